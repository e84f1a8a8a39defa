// Package catalog persists the endpoint lists declared by worker shards so a
// shard reconnecting with an empty declaration can recover its previously
// known endpoints, surviving broker restarts.
package catalog

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/ext-cluster/cluster/frames"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCatalogNotFound is returned when no snapshot has been persisted for the
// requested shard identity.
var ErrCatalogNotFound = errors.New("no endpoint snapshot exists for this shard")

// Store persists per-identity endpoint snapshots. Save overwrites, Load
// returns ErrCatalogNotFound when no snapshot exists and Delete treats a
// missing snapshot as success.
type Store interface {
	Save(botID string, identifier string, endpoints []string) error
	Load(botID string, identifier string) ([]string, error)
	Delete(botID string, identifier string) error
}

// FileStore keeps snapshots on disk as <root>/<bot_id>/<identifier>.json
// documents of the form {"endpoints":[...]}. Directories are created on the
// first write. The broker guarantees at most one writer per identity so no
// file locking is needed.
type FileStore struct {
	Root string
}

// NewFileStore creates a file backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (fs *FileStore) path(botID string, identifier string) string {
	return filepath.Join(fs.Root, botID, identifier+".json")
}

// Save writes the endpoint snapshot for a shard identity, replacing any
// previous one.
func (fs *FileStore) Save(botID string, identifier string, endpoints []string) (err error) {
	if err = os.MkdirAll(filepath.Join(fs.Root, botID), 0o755); err != nil {
		return
	}

	res, err := json.Marshal(frames.Snapshot{Endpoints: endpoints})
	if err != nil {
		return
	}

	err = ioutil.WriteFile(fs.path(botID, identifier), res, 0o644)
	return
}

// Load reads the endpoint snapshot for a shard identity.
func (fs *FileStore) Load(botID string, identifier string) (endpoints []string, err error) {
	res, err := ioutil.ReadFile(fs.path(botID, identifier))
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrCatalogNotFound
		}
		return
	}

	snapshot := frames.Snapshot{}
	if err = json.Unmarshal(res, &snapshot); err != nil {
		return
	}

	endpoints = snapshot.Endpoints
	return
}

// Delete removes the snapshot for a shard identity. Missing snapshots are
// not an error.
func (fs *FileStore) Delete(botID string, identifier string) (err error) {
	err = os.Remove(fs.path(botID, identifier))
	if os.IsNotExist(err) {
		err = nil
	}
	return
}
