package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, used by tests and by the Caddy
// handler in place of a FileStore when no data_dir is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	waiters *waiterRegistry
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		waiters: newWaiterRegistry(),
	}
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			meta := existing.metadata
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stream := &memoryStream{
		metadata: StreamMetadata{
			Path:          path,
			ContentType:   contentType,
			CurrentOffset: ZeroOffset,
			TTLSeconds:    opts.TTLSeconds,
			ExpiresAt:     opts.ExpiresAt,
			CreatedAt:     time.Now(),
		},
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(stream, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	meta := stream.metadata
	return &meta, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}

	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	return ok && !stream.metadata.IsExpired()
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[path]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	s.waiters.Notify(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return Offset{}, ErrStreamNotFound
	}

	if opts.ContentType != "" && !ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return Offset{}, ErrContentTypeMismatch
	}

	if len(data) == 0 {
		return Offset{}, ErrEmptyBody
	}

	if opts.Seq != "" && stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
		return Offset{}, ErrSequenceConflict
	}

	newOffset, err := s.appendToStream(stream, data, false)
	if err != nil {
		return Offset{}, err
	}

	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}

	s.waiters.Notify(path)

	return newOffset, nil
}

// appendToStream applies JSON-mode flattening and appends each resulting
// frame, advancing ReadSeq once per frame.
func (s *MemoryStore) appendToStream(stream *memoryStream, data []byte, allowEmpty bool) (Offset, error) {
	if IsJSONContentType(stream.metadata.ContentType) {
		parts, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset{}, err
		}

		offset := stream.metadata.CurrentOffset
		for _, part := range parts {
			offset = offset.Advance(frameByteLen(len(part)))
			stream.messages = append(stream.messages, Message{Data: part, Offset: offset})
		}
		return offset, nil
	}

	offset := stream.metadata.CurrentOffset.Advance(frameByteLen(len(data)))
	stream.messages = append(stream.messages, Message{Data: data, Offset: offset})
	return offset, nil
}

func (s *MemoryStore) Read(path string, offset Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return nil, false, ErrStreamNotFound
	}
	if stream.metadata.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	var messages []Message
	for _, msg := range stream.messages {
		if msg.Offset.ByteOffset > offset.ByteOffset {
			messages = append(messages, msg)
		}
	}

	tail := offset
	if len(messages) > 0 {
		tail = messages[len(messages)-1].Offset
	}
	upToDate := tail.Equal(stream.metadata.CurrentOffset)
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, err
	}
	if len(messages) > 0 {
		return messages, false, nil
	}

	ch := s.waiters.Register(path)
	defer s.waiters.Unregister(path, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := s.Read(path, offset)
		return messages, false, err
	case <-timer.C:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *MemoryStore) GetCurrentOffset(path string) (Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return Offset{}, ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FormatResponse renders messages the way the stream's content type
// dictates: a JSON array for JSON-mode streams, raw concatenation otherwise.
func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if IsJSONContentType(stream.metadata.ContentType) {
		return FormatJSONResponse(messages), nil
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

// processJSONAppend validates data as JSON and, if it is a top-level
// array, flattens it one level into independent frames (spec.md §4.A's
// "N JSON values in, N frames stored" rule). allowEmpty permits an
// empty array only on stream creation, never on append.
func processJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}
