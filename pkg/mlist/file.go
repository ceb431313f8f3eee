package mlist

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// lockTable spreads per-list RWMutexes over a fixed set of buckets, so
// concurrent resolutions of unrelated lists rarely contend.
type lockTable [512]sync.RWMutex

func (t *lockTable) get(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t[h.Sum32()%uint32(len(t))]
}

// FileStore is a Store backed by plain files under a root directory:
//
//	<root>/lists/<name>         public list members, one per line
//	<root>/lists/<name>.acl     "owner=<uid>" and "send=*|none|<uid>,..."
//	<root>/personal/<uid>/<name>  personal list members
//
// A missing .acl file leaves the list open to all senders.
type FileStore struct {
	root  string
	locks lockTable
}

// NewFileStore returns a FileStore rooted at path, creating the directory
// skeleton when absent.
func NewFileStore(path string) (*FileStore, error) {
	for _, dir := range []string{path, filepath.Join(path, "lists"), filepath.Join(path, "personal")} {
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return nil, fmt.Errorf("mlist store setup: %w", err)
		}
	}
	return &FileStore{root: path}, nil
}

// Personal implements Store.
func (f *FileStore) Personal(ownerUID int, name string) (string, bool, error) {
	key := Key(name)
	if !safeKey(key) {
		return "", false, nil
	}
	lock := f.locks.get(strconv.Itoa(ownerUID) + "/" + key)
	lock.RLock()
	defer lock.RUnlock()
	return readList(filepath.Join(f.root, "personal", strconv.Itoa(ownerUID), key))
}

// Public implements Store.
func (f *FileStore) Public(name string) (string, bool, error) {
	key := Key(name)
	if !safeKey(key) {
		return "", false, nil
	}
	lock := f.locks.get(key)
	lock.RLock()
	defer lock.RUnlock()
	return readList(f.listPath(key))
}

// Owner implements Store.
func (f *FileStore) Owner(name string) (int, bool, error) {
	acl, ok, err := f.readACL(Key(name))
	if !ok || err != nil {
		return 0, false, err
	}
	return acl.ownerUID, acl.hasOwner, nil
}

// SendAccess implements Store.
func (f *FileStore) SendAccess(uid int, name string) (Access, error) {
	key := Key(name)
	if _, ok, err := f.Public(key); err != nil || !ok {
		return 0, err
	}
	acl, ok, err := f.readACL(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		// No ACL file: open list.
		return AccessSend, nil
	}
	if acl.hasOwner && uid >= 0 && uid == acl.ownerUID {
		return AccessSend | AccessRead | AccessWrite, nil
	}
	if acl.sendAll {
		return AccessSend, nil
	}
	for _, s := range acl.senders {
		if uid >= 0 && uid == s {
			return AccessSend, nil
		}
	}
	return 0, nil
}

// SetPublic writes a public list, creating or replacing it.
func (f *FileStore) SetPublic(name, contents string) error {
	key := Key(name)
	if !safeKey(key) {
		return ErrBadName
	}
	lock := f.locks.get(key)
	lock.Lock()
	defer lock.Unlock()
	return writeFile(f.listPath(key), contents)
}

// SetPersonal writes a personal list, creating or replacing it.
func (f *FileStore) SetPersonal(ownerUID int, name, contents string) error {
	key := Key(name)
	if !safeKey(key) {
		return ErrBadName
	}
	lock := f.locks.get(strconv.Itoa(ownerUID) + "/" + key)
	lock.Lock()
	defer lock.Unlock()
	dir := filepath.Join(f.root, "personal", strconv.Itoa(ownerUID))
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, key), contents)
}

// SetACL writes the access file for a public list.
func (f *FileStore) SetACL(name string, ownerUID int, sendAll bool, senders ...int) error {
	key := Key(name)
	if !safeKey(key) {
		return ErrBadName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "owner=%d\n", ownerUID)
	switch {
	case sendAll:
		b.WriteString("send=*\n")
	case len(senders) == 0:
		b.WriteString("send=none\n")
	default:
		parts := make([]string, len(senders))
		for i, s := range senders {
			parts[i] = strconv.Itoa(s)
		}
		fmt.Fprintf(&b, "send=%s\n", strings.Join(parts, ","))
	}
	lock := f.locks.get(key)
	lock.Lock()
	defer lock.Unlock()
	return writeFile(f.listPath(key)+".acl", b.String())
}

// Remove deletes a public list and its access file.
func (f *FileStore) Remove(name string) error {
	key := Key(name)
	if !safeKey(key) {
		return ErrBadName
	}
	lock := f.locks.get(key)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(f.listPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(f.listPath(key) + ".acl"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileStore) listPath(key string) string {
	return filepath.Join(f.root, "lists", key)
}

type fileACL struct {
	ownerUID int
	hasOwner bool
	sendAll  bool
	senders  []int
}

func (f *FileStore) readACL(key string) (fileACL, bool, error) {
	if !safeKey(key) {
		return fileACL{}, false, nil
	}
	lock := f.locks.get(key)
	lock.RLock()
	defer lock.RUnlock()
	data, err := os.ReadFile(f.listPath(key) + ".acl")
	if os.IsNotExist(err) {
		return fileACL{}, false, nil
	}
	if err != nil {
		return fileACL{}, false, err
	}
	acl := fileACL{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "owner":
			if uid, err := strconv.Atoi(v); err == nil {
				acl.ownerUID = uid
				acl.hasOwner = true
			}
		case "send":
			switch v {
			case "*":
				acl.sendAll = true
			case "none":
			default:
				for _, p := range strings.Split(v, ",") {
					if uid, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
						acl.senders = append(acl.senders, uid)
					}
				}
			}
		}
	}
	return acl, true, nil
}

func readList(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func writeFile(path, contents string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o660); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// safeKey rejects names that would escape the store directory or collide
// with ACL files.
func safeKey(key string) bool {
	if key == "" || strings.HasSuffix(key, ".acl") || strings.HasSuffix(key, ".tmp") {
		return false
	}
	return !strings.ContainsAny(key, "/\\\x00") && key != "." && key != ".."
}
