// Package registry brokers service name → (host, port, pid) lookups across
// every cooperating process on one host. Records live as JSON files in a
// well-known directory; publication is an atomic rename and all writes happen
// under an advisory lock on the directory's lock file. A record whose owner
// process is gone is stale and is evicted by the first reader that sees it.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/youtube/vitess/go/ioutil2"

	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
)

const RECORD_FILE_SUFFIX = ".service.json"
const LOCK_FILENAME = ".lock"

type ServiceRecord struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Version string `json:"version,omitempty"`
	Token   string `json:"token,omitempty"`
}

//	MetaDir returns the registry directory, creating it if necessary.
//	META_HOME overrides the default of ~/.metabridge.
func MetaDir() (dir string, err error) {
	if custom := os.Getenv(config.META_HOME_ENV); custom != "" {
		dir = custom
	} else {
		var home string
		home, err = os.UserHomeDir()
		if err != nil {
			return
		}
		dir = filepath.Join(home, ".metabridge")
	}
	err = os.MkdirAll(dir, os.FileMode(0700))
	return
}

func recordPath(dir string, name string) string {
	return filepath.Join(dir, name+RECORD_FILE_SUFFIX)
}

func validName(name string) (err error) {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid service name %q", name)
	}
	return
}

//	Register publishes record, overwriting any entry whose owner is dead or
//	is the caller itself. A live entry owned by another pid is a conflict.
func Register(record ServiceRecord) (err error) {
	if err = validName(record.Name); err != nil {
		return
	}
	dir, err := MetaDir()
	if err != nil {
		return
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return
	}
	defer unlock()

	existing, readErr := readRecord(dir, record.Name)
	if readErr == nil && existing.PID != record.PID && IsProcessAlive(existing.PID) {
		err = protocol.Errorf(protocol.TAG_SERVICE_ALREADY_EXISTS,
			"service '%s' is already registered by pid %d", record.Name, existing.PID)
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	err = ioutil2.WriteFileAtomic(recordPath(dir, record.Name), data, 0600)
	return
}

//	Unregister removes the entry for name. With expectedPID >= 0 the entry
//	is left alone when another process owns it now.
func Unregister(name string, expectedPID int) (err error) {
	if err = validName(name); err != nil {
		return
	}
	dir, err := MetaDir()
	if err != nil {
		return
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return
	}
	defer unlock()

	existing, readErr := readRecord(dir, name)
	if readErr != nil {
		err = nil
		return
	}
	if expectedPID >= 0 && existing.PID != expectedPID {
		return
	}
	err = os.Remove(recordPath(dir, name))
	if os.IsNotExist(err) {
		err = nil
	}
	return
}

//	UnregisterRecord withdraws exactly the given registration: the entry
//	stays when another pid owns it now, and also when the same pid has
//	since republished under a different instance token (a restarted server
//	must not tear down its successor's record).
func UnregisterRecord(record ServiceRecord) (err error) {
	if err = validName(record.Name); err != nil {
		return
	}
	dir, err := MetaDir()
	if err != nil {
		return
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return
	}
	defer unlock()

	existing, readErr := readRecord(dir, record.Name)
	if readErr != nil {
		return
	}
	if existing.PID != record.PID {
		return
	}
	if record.Token != "" && existing.Token != "" && existing.Token != record.Token {
		return
	}
	err = os.Remove(recordPath(dir, record.Name))
	if os.IsNotExist(err) {
		err = nil
	}
	return
}

//	Resolve returns the record for name, evicting it first if its owner
//	process no longer exists.
func Resolve(name string) (record ServiceRecord, err error) {
	if err = validName(name); err != nil {
		return
	}
	dir, err := MetaDir()
	if err != nil {
		return
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return
	}
	defer unlock()

	record, err = readRecord(dir, name)
	if err != nil {
		err = protocol.Errorf(protocol.TAG_SERVICE_NOT_FOUND, "service '%s' was not found", name)
		return
	}
	if !IsProcessAlive(record.PID) {
		_ = os.Remove(recordPath(dir, name))
		stalePID := record.PID
		record = ServiceRecord{}
		err = protocol.Errorf(protocol.TAG_SERVICE_NOT_FOUND,
			"service '%s' appears to be stale (process %d is not running)", name, stalePID)
		return
	}
	return
}

//	List returns every record with a live owner, evicting stale ones as a
//	side effect.
func List() (records []ServiceRecord, err error) {
	dir, err := MetaDir()
	if err != nil {
		return
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return
	}
	defer unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), RECORD_FILE_SUFFIX) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), RECORD_FILE_SUFFIX)
		record, readErr := readRecord(dir, name)
		if readErr != nil {
			continue
		}
		if !IsProcessAlive(record.PID) {
			_ = os.Remove(recordPath(dir, name))
			continue
		}
		records = append(records, record)
	}
	return
}

func readRecord(dir string, name string) (record ServiceRecord, err error) {
	data, err := os.ReadFile(recordPath(dir, name))
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &record)
	return
}
