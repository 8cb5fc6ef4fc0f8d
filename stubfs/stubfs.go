// Package stubfs implements the "file system beyond a stub disk-backed
// file interface" collaborator: a flat, refcounted namespace of
// host-file-backed objects that the OPENAT/CLOSE/READ/WRITE syscalls
// and their async-call counterparts operate against. It makes no
// attempt at directories, permissions, or an on-disk format -- those
// belong to a real file system, explicitly out of scope.
package stubfs

import (
	"errors"
	"io"
	"os"
	"sync"

	"acore/defs"
	"acore/fdops"
	"acore/ustr"
)

/// FS is the namespace root. One FS is shared by every thread in a
/// thread group (§5: "the file table is per-thread-group").
type FS struct {
	mu    sync.Mutex
	root  string
	files map[string]*inode
}

type inode struct {
	mu   sync.Mutex
	name string
	f    *os.File
	refs int
}

/// New creates a namespace rooted at dir on the host file system. dir
/// must already exist; stubfs never creates directories.
func New(dir string) *FS {
	return &FS{root: dir, files: map[string]*inode{}}
}

const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
)

/// Open resolves name to a File, opening (and optionally creating) the
/// backing host file on first reference and sharing the inode across
/// concurrently open descriptors of the same name.
func (fs *FS) Open(name string, flags int) (*File, defs.Err_t) {
	uname := ustr.FromString(name)
	if uname.IsAbsolute() || uname.Isdot() || uname.Isdotdot() {
		return nil, defs.EINVAL
	}
	fs.mu.Lock()
	ino, ok := fs.files[name]
	if !ok {
		hostFlags := os.O_RDWR
		if flags&O_CREAT != 0 {
			hostFlags |= os.O_CREATE
		}
		f, err := os.OpenFile(fs.root+"/"+name, hostFlags, 0o644)
		if err != nil {
			fs.mu.Unlock()
			if os.IsNotExist(err) {
				return nil, defs.ENOENT
			}
			return nil, defs.EINTERNAL
		}
		ino = &inode{name: name, f: f}
		fs.files[name] = ino
	}
	ino.refs++
	fs.mu.Unlock()
	return &File{fs: fs, ino: ino}, 0
}

func (fs *FS) drop(ino *inode) {
	fs.mu.Lock()
	ino.refs--
	dead := ino.refs == 0
	if dead {
		delete(fs.files, ino.name)
	}
	fs.mu.Unlock()
	if dead {
		ino.f.Close()
	}
}

/// File is one open reference to a stub file, satisfying
/// fdops.Fdops_i.
type File struct {
	fs  *FS
	ino *inode
}

var _ fdops.Fdops_i = (*File)(nil)

/// Read transfers up to dst's capacity starting at host-file offset
/// off.
func (file *File) Read(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	file.ino.mu.Lock()
	defer file.ino.mu.Unlock()
	buf := make([]byte, dst.Remain())
	n, err := file.ino.f.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, defs.EINTERNAL
	}
	did, werr := dst.Uiowrite(buf[:n])
	if werr != 0 {
		return did, werr
	}
	return did, 0
}

/// Write transfers src into the host file at offset off.
func (file *File) Write(src fdops.Userio_i, off int) (int, defs.Err_t) {
	file.ino.mu.Lock()
	defer file.ino.mu.Unlock()
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	wn, werr := file.ino.f.WriteAt(buf[:n], int64(off))
	if werr != nil {
		return wn, defs.EINTERNAL
	}
	return wn, 0
}

/// Close drops this reference, closing the host file once the last
/// reference is gone.
func (file *File) Close() defs.Err_t {
	file.fs.drop(file.ino)
	return 0
}

/// Reopen adds a reference to the same inode, for descriptor
/// duplication.
func (file *File) Reopen() defs.Err_t {
	file.fs.mu.Lock()
	file.ino.refs++
	file.fs.mu.Unlock()
	return 0
}
