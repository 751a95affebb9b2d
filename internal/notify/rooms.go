package notify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Room is one chat room the integration was installed into.
type Room struct {
	Key    string `yaml:"key"`
	RoomID string `yaml:"room_id"`
	// Token is a static bearer token. When empty, a token is fetched from
	// TokenURL with the client credentials grant.
	Token        string `yaml:"token,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
}

type roomFile struct {
	Rooms []Room `yaml:"rooms"`
}

// RoomStore holds the installed rooms, read from a YAML file. A missing
// file is an empty store.
type RoomStore struct {
	path   string
	logger pslog.Logger

	mu    sync.RWMutex
	rooms []Room
}

// LoadRoomStore reads path. An empty path yields an empty, unwatched store.
func LoadRoomStore(path string, logger pslog.Logger) (*RoomStore, error) {
	s := &RoomStore{logger: svcfields.WithSubsystem(logger, "notify.rooms")}
	if path == "" {
		return s, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("notify: resolve room store path: %w", err)
	}
	s.path = abs
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Rooms returns a copy of the installed rooms.
func (s *RoomStore) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// Reload re-reads the store file.
func (s *RoomStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: read room store: %w", err)
	}
	var doc roomFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("notify: parse room store %s: %w", s.path, err)
	}
	rooms := doc.Rooms[:0]
	for _, room := range doc.Rooms {
		if room.RoomID == "" {
			s.logger.Warn("room without room_id skipped", "key", room.Key)
			continue
		}
		rooms = append(rooms, room)
	}
	s.set(rooms)
	return nil
}

func (s *RoomStore) set(rooms []Room) {
	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()
	s.logger.Info("room store loaded", "path", s.path, "rooms", len(rooms))
}

// Watch reloads the store whenever its file changes, until ctx ends. The
// containing directory is watched so editors that replace the file are
// handled too.
func (s *RoomStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: create room store watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("notify: watch %s: %w", filepath.Dir(s.path), err)
	}
	name := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			s.logger.Debug("room store changed", "op", ev.Op.String())
			if err := s.Reload(); err != nil {
				s.logger.Warn("room store reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("room store watcher error", "error", err)
		}
	}
}
