package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/action"
)

// memRecordStore is a map-backed record store used when the engine runs
// standalone, without the platform's record-storage service. Records are
// keyed tenant/collection/record.
type memRecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]any
}

func newRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]map[string]any)}
}

func recordKey(tenantID, collectionID, recordID string) string {
	return tenantID + "/" + collectionID + "/" + recordID
}

func (s *memRecordStore) GetRecord(_ context.Context, tenantID, collectionID, recordID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(tenantID, collectionID, recordID)]
	if !ok {
		return nil, fmt.Errorf("record %q not found in collection %q", recordID, collectionID)
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (s *memRecordStore) CreateRecord(_ context.Context, tenantID, collectionID string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	rec := make(map[string]any, len(fields))
	for k, v := range fields {
		rec[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(tenantID, collectionID, id)] = rec
	return id, nil
}

func (s *memRecordStore) UpdateRecordFields(_ context.Context, tenantID, collectionID, recordID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(tenantID, collectionID, recordID)
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("record %q not found in collection %q", recordID, collectionID)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

// logNotifier writes notifications to the application log. Production
// deployments swap in a real delivery channel.
type logNotifier struct {
	logger *zap.Logger
}

func newLogNotifier(logger *zap.Logger) *logNotifier {
	return &logNotifier{logger: logger.Named("notifier")}
}

func (n *logNotifier) Send(_ context.Context, msg action.Notification) error {
	n.logger.Info("notification dispatched",
		zap.String("tenant_id", msg.TenantID),
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
	)
	return nil
}
