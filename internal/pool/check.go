package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"apipool-go/internal/events"
	"apipool-go/internal/ledger"
	"apipool-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// Report summarises one CheckUsable sweep.
type Report struct {
	Checked int          `json:"checked"`
	Usable  []string     `json:"usable"`
	Retired []Retirement `json:"retired"`
	// Skipped holds keys retired by another goroutine after the snapshot.
	Skipped []string `json:"skipped,omitempty"`
}

// Lines renders the human-readable summary of the sweep.
func (r Report) Lines() []string {
	switch {
	case len(r.Usable) == 0:
		lines := []string{"no API key usable"}
		return append(lines, r.retiredLines()...)
	case len(r.Retired) == 0:
		return []string{"all API keys usable"}
	}
	return r.retiredLines()
}

func (r Report) retiredLines() []string {
	lines := make([]string, 0, len(r.Retired))
	for _, rec := range r.Retired {
		lines = append(lines, fmt.Sprintf("API key %s archived: %s", rec.ID, rec.Reason))
	}
	return lines
}

// CheckUsable probes every key that was active when the call started.
// Usable keys get a success event; the others are retired with
// ReasonLivenessFailed and get a failed event. Keys retired concurrently
// after the snapshot are skipped. Ledger write failures do not stop the
// sweep and are returned joined. Cancelling ctx ends the sweep without
// acting on the interrupted probe and returns ctx.Err().
func (p *Pool) CheckUsable(ctx context.Context) (Report, error) {
	members := p.snapshot()
	report := Report{Usable: []string{}, Retired: []Retirement{}}

	var results []bool
	if p.checkN > 1 && len(members) > 1 {
		results = p.probeConcurrently(ctx, members)
	}

	var errs []error
	for i, m := range members {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id := m.ID()
		if !p.isActive(id) {
			report.Skipped = append(report.Skipped, id)
			continue
		}

		var usable bool
		if results != nil {
			usable = results[i]
		} else {
			usable = m.Usable(ctx)
			// a probe cut short by cancellation says nothing about the key
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
		}
		monitoring.RecordLiveness(usable)
		report.Checked++

		status := ledger.StatusSuccess
		if usable {
			report.Usable = append(report.Usable, id)
		} else {
			if _, err := p.Retire(id, ReasonLivenessFailed, nil); err != nil {
				if errors.Is(err, ErrNotFound) {
					report.Checked--
					report.Skipped = append(report.Skipped, id)
					continue
				}
				errs = append(errs, err)
				continue
			}
			report.Retired = append(report.Retired, p.retirementOf(id))
			status = ledger.StatusFailed
		}

		if _, err := p.ledger.RecordEvent(ctx, id, status); err != nil {
			monitoring.RecordLedgerError("check_usable")
			log.WithError(err).WithFields(log.Fields{"key": id, "status": status}).Error("failed to record liveness event")
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	p.logReport(report)
	p.mu.Lock()
	pub := p.publisher
	p.mu.Unlock()
	if pub != nil {
		pub.Publish(context.Background(), events.TopicPoolChecked, checkedPayload(report, err), nil)
	}
	return report, err
}

func checkedPayload(r Report, err error) events.PoolChecked {
	out := events.PoolChecked{
		Checked: r.Checked,
		Usable:  len(r.Usable),
		Retired: make([]string, 0, len(r.Retired)),
	}
	for _, rec := range r.Retired {
		out.Retired = append(out.Retired, rec.ID)
	}
	if err != nil {
		out.Err = err.Error()
	}
	return out
}

func (p *Pool) probeConcurrently(ctx context.Context, members []*Member) []bool {
	results := make([]bool, len(members))
	sem := make(chan struct{}, p.checkN)
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *Member) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			results[i] = m.Usable(ctx)
		}(i, m)
	}
	wg.Wait()
	return results
}

func (p *Pool) retirementOf(id string) Retirement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archived[id].retirement
}

func (p *Pool) logReport(r Report) {
	entry := log.WithFields(log.Fields{
		"checked": r.Checked,
		"usable":  len(r.Usable),
		"retired": len(r.Retired),
	})
	switch {
	case len(r.Usable) == 0:
		entry.Warn("no API key usable")
	case len(r.Retired) == 0:
		entry.Info("all API keys usable")
	}
	for _, rec := range r.Retired {
		log.WithFields(log.Fields{"key": rec.ID, "reason": rec.Reason}).Info("API key archived")
	}
}
