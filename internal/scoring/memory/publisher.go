// Package memory provides an in-memory score publisher for tests.
package memory

import (
	"context"
	"sync"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Submission is one recorded Submit call.
type Submission struct {
	Fingerprint pipeline.Fingerprint
	Item        pipeline.RawItem
}

// Publisher records submissions instead of publishing them.
type Publisher struct {
	mu          sync.Mutex
	submissions []Submission
	err         error
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every subsequent Submit return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Submit records the call.
func (p *Publisher) Submit(_ context.Context, fp pipeline.Fingerprint, item pipeline.RawItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.submissions = append(p.submissions, Submission{Fingerprint: fp, Item: item})
	return nil
}

// Submissions returns a copy of the recorded calls.
func (p *Publisher) Submissions() []Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Submission(nil), p.submissions...)
}
