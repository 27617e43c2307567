// Package store implements boltd's on-disk persistent store (spec.md
// §4.4): content-addressed per-uid records for devices, keys, and
// domains, plus a single global config file. Device/domain records use
// the GLib-keyfile text format ("[section]\nkey=value"), parsed with
// github.com/mvo5/goconfigparser and written with a small hand-rolled
// serializer so the on-disk layout stays byte-deterministic. All writes
// go through create-temp-then-rename for crash safety, following the
// teacher's persist/fs driver's atomic-replace convention.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
	"github.com/gicmo/bolt-sub000/key"
)

var log = blog.For("store")

const (
	dirMode  = os.FileMode(0700)
	fileMode = os.FileMode(0600)

	devicesDir = "devices"
	keysDir    = "keys"
	domainsDir = "domains"
	configFile = "config"
)

// DeviceRecord is the persisted [device]/[user] record for one uid.
type DeviceRecord struct {
	Uid    string
	Name   string
	Vendor string
	Policy string // device.Policy string form
}

// DomainRecord is the persisted record for one domain uid.
type DomainRecord struct {
	Uid     string
	BootACL []string
}

// GlobalConfig is the store's single top-level "config" file.
type GlobalConfig struct {
	DefaultPolicy string
	AuthMode      string
}

// Store is rooted at a single directory, single-writer, process-owned
// (spec.md §5: "cross-process writes are not supported and not
// defended against").
type Store struct {
	root string
}

// New creates (if needed) and returns a Store rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "create store root")
	}
	return &Store{root: root}, nil
}

func (s *Store) devicePath(uid string) string { return filepath.Join(s.root, devicesDir, uid) }
func (s *Store) keyPath(uid string) string    { return filepath.Join(s.root, keysDir, uid) }
func (s *Store) domainPath(uid string) string { return filepath.Join(s.root, domainsDir, uid) }
func (s *Store) configPath() string           { return filepath.Join(s.root, configFile) }

// writeAtomic writes data to path with the given mode via
// create-temp-in-same-dir-then-rename.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "mkdir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return boltderr.Wrap(boltderr.KindFailed, err, "rename into place")
	}
	return nil
}

func keyfileEscape(v string) string {
	return strings.ReplaceAll(v, "\n", " ")
}

// ListUids enumerates device records, excluding dot-files.
func (s *Store) ListUids() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, devicesDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "list devices")
	}
	var uids []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || e.IsDir() {
			continue
		}
		uids = append(uids, e.Name())
	}
	sort.Strings(uids)
	return uids, nil
}

// PutDevice atomically writes a device record and, if k is non-nil, its
// key file.
func (s *Store) PutDevice(rec DeviceRecord, k *key.Key) error {
	if rec.Uid == "" {
		return boltderr.New(boltderr.KindFailed, "device uid required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[device]\n")
	fmt.Fprintf(&b, "name=%s\n", keyfileEscape(rec.Name))
	fmt.Fprintf(&b, "vendor=%s\n", keyfileEscape(rec.Vendor))
	fmt.Fprintf(&b, "[user]\n")
	fmt.Fprintf(&b, "policy=%s\n", keyfileEscape(rec.Policy))

	if err := writeAtomic(s.devicePath(rec.Uid), []byte(b.String()), fileMode); err != nil {
		return err
	}

	if k != nil {
		if err := k.Save(s.keyPath(rec.Uid)); err != nil {
			return err
		}
	}

	log.WithField("uid", rec.Uid).Debug("stored device record")
	return nil
}

// GetDevice parses a device record; a missing uid yields not_found.
func (s *Store) GetDevice(uid string) (DeviceRecord, error) {
	data, err := os.ReadFile(s.devicePath(uid))
	if os.IsNotExist(err) {
		return DeviceRecord{}, boltderr.New(boltderr.KindNotFound, "device %s not found", uid)
	}
	if err != nil {
		return DeviceRecord{}, boltderr.Wrap(boltderr.KindFailed, err, "read device record")
	}

	cfg := goconfigparser.New()
	cfg.AllowNoSectionHeader = false
	if err := cfg.ReadString(string(data)); err != nil {
		return DeviceRecord{}, boltderr.Wrap(boltderr.KindConfig, err, "parse device record")
	}

	name, _ := cfg.Get("device", "name")
	vendor, _ := cfg.Get("device", "vendor")
	policy, _ := cfg.Get("user", "policy")

	return DeviceRecord{Uid: uid, Name: name, Vendor: vendor, Policy: policy}, nil
}

// DeleteDevice removes a device record (not its key, see DeleteKey).
func (s *Store) DeleteDevice(uid string) error {
	if err := os.Remove(s.devicePath(uid)); err != nil && !os.IsNotExist(err) {
		return boltderr.Wrap(boltderr.KindFailed, err, "delete device record")
	}
	return nil
}

// HaveKey is a state-only check; it does not read key contents.
func (s *Store) HaveKey(uid string) bool {
	_, err := os.Stat(s.keyPath(uid))
	return err == nil
}

// GetKey loads the stored key for uid.
func (s *Store) GetKey(uid string) (*key.Key, error) {
	return key.Load(s.keyPath(uid))
}

// SaveKey persists k for uid.
func (s *Store) SaveKey(uid string, k *key.Key) error {
	return k.Save(s.keyPath(uid))
}

// DeleteKey removes the stored key for uid, if any.
func (s *Store) DeleteKey(uid string) error {
	if err := os.Remove(s.keyPath(uid)); err != nil && !os.IsNotExist(err) {
		return boltderr.Wrap(boltderr.KindFailed, err, "delete key")
	}
	return nil
}

// PutDomain atomically writes a domain's boot-ACL record.
func (s *Store) PutDomain(rec DomainRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[domain]\n")
	fmt.Fprintf(&b, "bootacl=%s\n", keyfileEscape(strings.Join(rec.BootACL, ",")))
	return writeAtomic(s.domainPath(rec.Uid), []byte(b.String()), fileMode)
}

// GetDomain parses a domain record; a missing uid yields not_found.
func (s *Store) GetDomain(uid string) (DomainRecord, error) {
	data, err := os.ReadFile(s.domainPath(uid))
	if os.IsNotExist(err) {
		return DomainRecord{}, boltderr.New(boltderr.KindNotFound, "domain %s not found", uid)
	}
	if err != nil {
		return DomainRecord{}, boltderr.Wrap(boltderr.KindFailed, err, "read domain record")
	}

	cfg := goconfigparser.New()
	if err := cfg.ReadString(string(data)); err != nil {
		return DomainRecord{}, boltderr.Wrap(boltderr.KindConfig, err, "parse domain record")
	}

	acl, _ := cfg.Get("domain", "bootacl")
	rec := DomainRecord{Uid: uid}
	if acl != "" {
		rec.BootACL = strings.Split(acl, ",")
	}
	return rec, nil
}

// DeleteDomain removes a domain record.
func (s *Store) DeleteDomain(uid string) error {
	if err := os.Remove(s.domainPath(uid)); err != nil && !os.IsNotExist(err) {
		return boltderr.Wrap(boltderr.KindFailed, err, "delete domain record")
	}
	return nil
}

// PutGlobalConfig writes the store's single top-level config file.
func (s *Store) PutGlobalConfig(cfg GlobalConfig) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[boltd]\n")
	fmt.Fprintf(&b, "default-policy=%s\n", keyfileEscape(cfg.DefaultPolicy))
	fmt.Fprintf(&b, "auth-mode=%s\n", keyfileEscape(cfg.AuthMode))
	return writeAtomic(s.configPath(), []byte(b.String()), fileMode)
}

// GetGlobalConfig reads the store's global config file. A missing file
// is not an error; a zero-value GlobalConfig is returned.
func (s *Store) GetGlobalConfig() (GlobalConfig, error) {
	data, err := os.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		return GlobalConfig{}, nil
	}
	if err != nil {
		return GlobalConfig{}, boltderr.Wrap(boltderr.KindFailed, err, "read global config")
	}

	cfg := goconfigparser.New()
	if err := cfg.ReadString(string(data)); err != nil {
		return GlobalConfig{}, boltderr.Wrap(boltderr.KindConfig, err, "parse global config")
	}

	policy, _ := cfg.Get("boltd", "default-policy")
	mode, _ := cfg.Get("boltd", "auth-mode")
	return GlobalConfig{DefaultPolicy: policy, AuthMode: mode}, nil
}
