// Package session persists finalized transcripts as JSONL, one committed
// message per line. The runtime appends as rounds commit; a host reloads a
// session to seed a new conversation context.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"

	"github.com/droverhq/drover/pkg/chat"
)

// Store manages transcript persistence under a single directory.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a store rooted at dir, defaulting to ~/.drover/sessions.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".drover", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")

	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateKey rejects keys that could escape the store directory.
func validateKey(sessionKey string) error {
	if sessionKey == "" {
		return chat.NewError(chat.Serialization, "session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return chat.NewError(chat.Serialization, "session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return chat.NewError(chat.Serialization, "session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return chat.NewError(chat.Serialization, "session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

func (s *Store) lock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

// Append writes committed messages to the session file, one JSON line each,
// fsynced before returning. An empty batch is a no-op.
func (s *Store) Append(ctx context.Context, sessionKey string, msgs ...chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"drover.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.lock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	// A torn write can leave the file without a trailing newline. Writing
	// straight after it would merge the new line into the corrupt fragment,
	// so terminate the fragment first.
	if info, err := file.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := file.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			if _, err := file.Write([]byte("\n")); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("failed to terminate torn line: %w", err)
			}
		}
	}

	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return chat.WrapError(chat.Serialization, err, "marshal message for %s", sessionKey)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync session file: %w", err)
	}

	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(msgs)).
		Msg("Messages appended")

	return nil
}

// Load reads a session's messages. A missing session is an empty transcript.
// Corrupt lines are skipped with a warning so one bad write never strands a
// session.
func (s *Store) Load(ctx context.Context, sessionKey string) ([]chat.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"drover.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return []chat.Message{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var messages []chat.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg chat.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn().
				Str("session_key", sessionKey).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		if msg.Role == "" {
			logger.Warn().
				Str("session_key", sessionKey).
				Int("line", lineNum).
				Msg("Entry without role, skipping")
			continue
		}

		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session loaded")

	return messages, nil
}

// Delete removes a session file.
func (s *Store) Delete(sessionKey string) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}

	lock := s.lock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionKey)
	s.locksMu.Unlock()

	log.Info().Str("session_key", sessionKey).Msg("Session deleted")
	return nil
}

// List returns the keys of every stored session.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Repair rewrites a session file keeping only the parseable lines. The
// rewrite goes through a temp file and an atomic rename.
func (s *Store) Repair(ctx context.Context, sessionKey string) error {
	messages, err := s.Load(ctx, sessionKey)
	if err != nil {
		return err
	}

	lock := s.lock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sessionPath := s.path(sessionKey)
	tempPath := sessionPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return chat.WrapError(chat.Serialization, err, "marshal message for %s", sessionKey)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, sessionPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session repaired")

	return nil
}
