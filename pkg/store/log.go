package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/sirupsen/logrus"
)

// Log is a report-only Store: promoted records are written to the log as
// UNCLOSED with their stack instead of being persisted. It remembers the
// records it reported so Delete, Get and List behave like the other stores
// for the lifetime of the process.
type Log struct {
	log *logrus.Entry

	mu      sync.Mutex
	records map[string]leak.Record
}

// NewLog returns a Log store writing to l, or to the standard logger if l
// is nil.
func NewLog(l *logrus.Entry) *Log {
	if l == nil {
		l = logrus.WithField("component", "store")
	}
	return &Log{log: l, records: make(map[string]leak.Record)}
}

func (s *Log) Create(r leak.Record) error {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"record":     r.ID,
		"identifier": r.Identifier,
		"opened":     FormatTime(r.CreatedAt),
	}).Error("UNCLOSED\n" + strings.Join(r.Stack, "\n"))
	return nil
}

func (s *Log) Delete(id string) (bool, error) {
	s.mu.Lock()
	r, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	if ok {
		s.log.WithFields(logrus.Fields{
			"record":     id,
			"identifier": r.Identifier,
		}).Info("closed")
	}
	return ok, nil
}

func (s *Log) Get(id string) (*leak.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Log) List() ([]leak.Record, error) {
	s.mu.Lock()
	records := make([]leak.Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *Log) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string]leak.Record)
	return n, nil
}

func (s *Log) Close() error {
	return nil
}
