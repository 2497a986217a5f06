// Package pdport implements physical-port identity persistence, §4.7: the
// configured "expected peer" check per local port, loaded at startup and
// saved by Store.Set only when the content differs. CMWRR's
// PDPortDataCheck handler keeps the expected peer in its own Router and
// does not call Set.
package pdport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
)

func fileName(port int) string {
	return fmt.Sprintf("pdport-%d.dat", port)
}

// Store owns one local port's persisted PeerCheck, §4.7.
type Store struct {
	mu       sync.Mutex
	dataDir  string
	port     int
	expected block.PeerCheck
	log      *log.Entry
}

// NewStore creates a Store for port, loading its file if present.
func NewStore(dataDir string, port int, logger *log.Entry) (*Store, error) {
	s := &Store{dataDir: dataDir, port: port, log: logger}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, fileName(s.port))
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return err
	}
	rd := block.NewReader(data)
	s.expected = rd.ReadPeerCheck()
	return rd.Err()
}

// Expected returns the currently configured peer check.
func (s *Store) Expected() block.PeerCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// Set stores peer as the expected check, writing to disk only if it
// differs from what is already persisted, §4.7's save-if-different policy.
func (s *Store) Set(peer block.PeerCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer == s.expected {
		return nil
	}
	s.expected = peer
	w := block.NewWriter(make([]byte, 2+len(peer.PortName)+len(peer.ChassisName)))
	w.WritePeerCheck(peer)
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("pdport: write %s: %w", s.path(), err)
	}
	return os.Rename(tmp, s.path())
}

// Reset clears this port's persisted file, part of §4.7's "reset clears all
// port files".
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = block.PeerCheck{}
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ResetAllPorts removes every pdport-N.dat file for ports 1..count under
// dataDir, §4.7.
func ResetAllPorts(dataDir string, count int) error {
	var errs []error
	for port := 1; port <= count; port++ {
		if err := os.Remove(filepath.Join(dataDir, fileName(port))); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pdport: reset all: %v", errs)
	}
	return nil
}
