package dispatcher

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Server manages the FUSE mount for one Dispatcher.
type Server struct {
	mountPoint string
	dispatcher *Dispatcher
	logger     *slog.Logger
	server     *fuse.Server
}

// NewServer builds a Server that will mount d's root at mountPoint.
func NewServer(mountPoint string, d *Dispatcher, logger *slog.Logger) *Server {
	return &Server{mountPoint: mountPoint, dispatcher: d, logger: logger}
}

// Mount mounts the filesystem and blocks until it is unmounted.
func (s *Server) Mount() error {
	s.CleanupMount()

	root := &DirNode{d: s.dispatcher, path: ""}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: true,
			Name:       "cachefs",
		},
		// The Coherence Engine already owns TTL-based revalidation; the
		// kernel's own entry/attr cache is kept short so a second mount
		// or direct backend write is still visible close to immediately.
		EntryTimeout:    durationPtr(1 * time.Second),
		AttrTimeout:     durationPtr(1 * time.Second),
		NegativeTimeout: durationPtr(1 * time.Second),
	}

	server, err := fs.Mount(s.mountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount cachefs: %w", err)
	}

	s.server = server
	s.logger.Info("cachefs mounted", "mountpoint", s.mountPoint)

	s.server.Wait()
	return nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// Unmount gracefully unmounts, falling back to a forced unmount.
func (s *Server) Unmount() error {
	s.logger.Info("unmounting cachefs", "mountpoint", s.mountPoint)

	if s.server != nil {
		if err := s.server.Unmount(); err == nil {
			return nil
		}
		s.logger.Warn("standard unmount failed, attempting force unmount")
	}
	return s.ForceUnmount()
}

// ForceUnmount attempts a lazy/force unmount of the mountpoint.
func (s *Server) ForceUnmount() error {
	if runtime.GOOS == "linux" {
		if err := exec.Command("fusermount", "-uz", s.mountPoint).Run(); err == nil {
			return nil
		}
		if err := exec.Command("umount", "-l", s.mountPoint).Run(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to force unmount %s", s.mountPoint)
}

// CleanupMount clears a stale mount left over from a previous run.
func (s *Server) CleanupMount() {
	_ = s.ForceUnmount()
}
