package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/A-MAD21/CMapper/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMeta    = []byte("meta")
	bucketSites   = []byte("sites")
	bucketDevices = []byte("devices")

	metaKey = []byte("meta")
)

const (
	topologyFile   = "topology.db"
	monitoringFile = "monitoring.db"
	schemaVersion  = "1.0"

	// DefaultLockTimeout bounds cross-process lock acquisition. A stale
	// lock from a crashed process surfaces as ErrBusy instead of a hang.
	DefaultLockTimeout = 3 * time.Second
)

// Store persists the topology and monitoring snapshots in two bbolt
// files. Each operation opens the file, takes the exclusive (or shared,
// for reads) file lock, runs one transaction and closes the file again,
// so external processes pointed at the same data directory interleave
// safely and the lock is never held between operations.
type Store struct {
	topoPath    string
	monPath     string
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open prepares the store under dataDir, creating the directory and both
// database files (with their buckets) if they do not exist yet.
func Open(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		topoPath:    filepath.Join(dataDir, topologyFile),
		monPath:     filepath.Join(dataDir, monitoringFile),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, path := range []string{s.topoPath, s.monPath} {
		if err := s.initFile(path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TopologyPath returns the path of the topology database file. It is
// handed to modules as part of the execution contract.
func (s *Store) TopologyPath() string {
	return s.topoPath
}

func (s *Store) initFile(path string) error {
	db, err := s.open(path, false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketSites, bucketDevices} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaKey) == nil {
			now := time.Now()
			data, err := json.Marshal(types.Meta{Version: schemaVersion, Created: now, LastModified: now})
			if err != nil {
				return err
			}
			return meta.Put(metaKey, data)
		}
		return nil
	})
}

func (s *Store) open(path string, readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:  s.lockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// ViewTopology runs fn against a read-only copy of the topology snapshot.
// Mutations made by fn are discarded.
func (s *Store) ViewTopology(fn func(*types.Topology) error) error {
	db, err := s.open(s.topoPath, true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		topo, err := loadTopology(tx)
		if err != nil {
			return err
		}
		return fn(topo)
	})
}

// UpdateTopology loads the full topology snapshot, applies fn, validates
// the store invariants and persists the result atomically. The file lock
// is released only after the transaction has committed durably. fn
// returning an error rolls everything back.
func (s *Store) UpdateTopology(fn func(*types.Topology) error) error {
	db, err := s.open(s.topoPath, false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		topo, err := loadTopology(tx)
		if err != nil {
			return err
		}
		if err := fn(topo); err != nil {
			return err
		}
		if err := validateTopology(topo); err != nil {
			return err
		}
		return saveTopology(tx, topo)
	})
}

// ViewMonitor runs fn against a read-only copy of the monitoring snapshot.
func (s *Store) ViewMonitor(fn func(*types.MonitorDB) error) error {
	db, err := s.open(s.monPath, true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		mon, err := loadMonitor(tx)
		if err != nil {
			return err
		}
		return fn(mon)
	})
}

// UpdateMonitor loads the monitoring snapshot, applies fn and persists
// the result atomically.
func (s *Store) UpdateMonitor(fn func(*types.MonitorDB) error) error {
	db, err := s.open(s.monPath, false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		mon, err := loadMonitor(tx)
		if err != nil {
			return err
		}
		if err := fn(mon); err != nil {
			return err
		}
		return saveMonitor(tx, mon)
	})
}

func loadTopology(tx *bolt.Tx) (*types.Topology, error) {
	topo := &types.Topology{}

	if data := tx.Bucket(bucketMeta).Get(metaKey); data != nil {
		if err := json.Unmarshal(data, &topo.Meta); err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
		}
	}

	err := tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
		var site types.Site
		if err := json.Unmarshal(v, &site); err != nil {
			return fmt.Errorf("%w: site %s: %v", ErrCorrupt, k, err)
		}
		topo.Sites = append(topo.Sites, &site)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
		var device types.Device
		if err := json.Unmarshal(v, &device); err != nil {
			return fmt.Errorf("%w: device %s: %v", ErrCorrupt, k, err)
		}
		topo.Devices = append(topo.Devices, &device)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topo, nil
}

func saveTopology(tx *bolt.Tx, topo *types.Topology) error {
	topo.Meta.LastModified = time.Now()
	if topo.Meta.Version == "" {
		topo.Meta.Version = schemaVersion
	}

	data, err := json.Marshal(topo.Meta)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketMeta).Put(metaKey, data); err != nil {
		return err
	}

	if err := rewriteBucket(tx, bucketSites, len(topo.Sites), func(i int) (string, any) {
		return topo.Sites[i].ID, topo.Sites[i]
	}); err != nil {
		return err
	}
	return rewriteBucket(tx, bucketDevices, len(topo.Devices), func(i int) (string, any) {
		return topo.Devices[i].ID, topo.Devices[i]
	})
}

func loadMonitor(tx *bolt.Tx) (*types.MonitorDB, error) {
	mon := &types.MonitorDB{Sites: make(map[string]*types.MonitorSite)}

	if data := tx.Bucket(bucketMeta).Get(metaKey); data != nil {
		if err := json.Unmarshal(data, &mon.Meta); err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
		}
	}

	err := tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
		var entry types.MonitorSite
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("%w: monitoring site %s: %v", ErrCorrupt, k, err)
		}
		mon.Sites[string(k)] = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mon, nil
}

func saveMonitor(tx *bolt.Tx, mon *types.MonitorDB) error {
	mon.Meta.LastModified = time.Now()
	if mon.Meta.Version == "" {
		mon.Meta.Version = schemaVersion
	}

	data, err := json.Marshal(mon.Meta)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketMeta).Put(metaKey, data); err != nil {
		return err
	}

	if err := tx.DeleteBucket(bucketSites); err != nil {
		return err
	}
	b, err := tx.CreateBucket(bucketSites)
	if err != nil {
		return err
	}
	for site, entry := range mon.Sites {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(site), data); err != nil {
			return err
		}
	}
	return nil
}

// rewriteBucket replaces a bucket's contents with the given records. The
// snapshot is the source of truth; deletions in the mutator fall out of
// the rewrite naturally.
func rewriteBucket(tx *bolt.Tx, name []byte, n int, record func(int) (string, any)) error {
	if err := tx.DeleteBucket(name); err != nil {
		return err
	}
	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, value := record(i)
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
	}
	return nil
}

// validateTopology enforces the store invariants before a snapshot is
// persisted: unique site names and device IDs, device site references
// that resolve, and no connection pointing at a device that does not
// exist.
func validateTopology(topo *types.Topology) error {
	siteNames := make(map[string]bool, len(topo.Sites))
	siteIDs := make(map[string]bool, len(topo.Sites))
	for _, site := range topo.Sites {
		if site.ID == "" || site.Name == "" {
			return fmt.Errorf("%w: site with empty id or name", ErrInvalid)
		}
		if siteNames[site.Name] {
			return fmt.Errorf("%w: duplicate site name %q", ErrInvalid, site.Name)
		}
		if siteIDs[site.ID] {
			return fmt.Errorf("%w: duplicate site id %q", ErrInvalid, site.ID)
		}
		siteNames[site.Name] = true
		siteIDs[site.ID] = true
	}

	deviceIDs := make(map[string]bool, len(topo.Devices))
	for _, device := range topo.Devices {
		if device.ID == "" {
			return fmt.Errorf("%w: device with empty id", ErrInvalid)
		}
		if deviceIDs[device.ID] {
			return fmt.Errorf("%w: duplicate device id %q", ErrInvalid, device.ID)
		}
		deviceIDs[device.ID] = true
		if !siteNames[device.Site] {
			return fmt.Errorf("%w: device %s references unknown site %q", ErrInvalid, device.ID, device.Site)
		}
	}

	for _, device := range topo.Devices {
		for _, conn := range device.Connections {
			if !deviceIDs[conn.RemoteDevice] {
				return fmt.Errorf("%w: device %s has connection to unknown device %q",
					ErrInvalid, device.ID, conn.RemoteDevice)
			}
		}
	}
	return nil
}
