// Package filestore persists subscriptions as JSON lines in a local file.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/internal/runtime/jsoncodec"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/subscriptions"
)

type record struct {
	Subscriber  string `json:"subscriber"`
	MessageType string `json:"message_type"`
}

// Store appends each subscription as one line. Deletes rewrite the file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store backed by path. The file is created on first write.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("filestore: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context) ([]subscriptions.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) Save(ctx context.Context, sub subscriptions.Subscription) error {
	line, err := jsoncodec.MarshalLine(toRecord(sub))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("filestore: %w", err)
	}
	return f.Close()
}

func (s *Store) Delete(ctx context.Context, sub subscriptions.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLocked()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, e := range existing {
		if e.Key() == sub.Key() {
			continue
		}
		line, err := jsoncodec.MarshalLine(toRecord(e))
		if err != nil {
			return err
		}
		buf.Write(line)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// readLocked tolerates a missing file. Saves may repeat a subscription, so
// the result is deduplicated.
func (s *Store) readLocked() ([]subscriptions.Subscription, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	defer f.Close()

	var (
		out  []subscriptions.Subscription
		seen = make(map[string]struct{})
		n    int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("filestore: %s line %d: %w", s.path, n, err)
		}
		sub, err := rec.subscription()
		if err != nil {
			return nil, fmt.Errorf("filestore: %s line %d: %w", s.path, n, err)
		}
		if _, dup := seen[sub.Key()]; dup {
			continue
		}
		seen[sub.Key()] = struct{}{}
		out = append(out, sub)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return out, nil
}

func toRecord(sub subscriptions.Subscription) record {
	return record{Subscriber: sub.Subscriber.String(), MessageType: sub.MessageType.String()}
}

func (r record) subscription() (subscriptions.Subscription, error) {
	addr, err := endpoint.ParseAny(r.Subscriber)
	if err != nil {
		return subscriptions.Subscription{}, err
	}
	return subscriptions.Subscription{
		Subscriber:  addr,
		MessageType: routing.ParseMessageType(r.MessageType),
	}, nil
}
