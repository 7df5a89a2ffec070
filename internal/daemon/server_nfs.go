package daemon

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize bounds the NFS file-handle cache. Handles beyond the
// limit are invalidated oldest-first; clients re-look them up.
const handleCacheSize = 65536

// NFSServer serves a store's filesystem over NFSv3.
type NFSServer struct {
	store    *Store
	listener net.Listener
	handler  nfs.Handler
}

// NewNFSServer creates an NFS server for an open store.
func NewNFSServer(store *Store) *NFSServer {
	// Match go-nfs verbosity to the daemon's own level.
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	handler := nfshelper.NewNullAuthHandler(store.FS)
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	return &NFSServer{
		store:   store,
		handler: cacheHelper,
	}
}

// Listen binds the server to addr ("host:port"; port 0 picks a free
// one). Addr reports the bound address afterwards.
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the NFS server until the listener closes.
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(s.store.Config.Listen); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"addr": s.listener.Addr().String(),
		"root": s.store.Root,
	}).Info("serving store over NFS")
	return nfs.Serve(s.listener, s.handler)
}

// Shutdown stops accepting connections.
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
}
