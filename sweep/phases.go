package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
)

// victimFilter admits candidates whose key time lies at least age in the
// past. Candidates a round rejects are retained for the next round.
type victimFilter struct {
	name string
	key  filterKey
	age  time.Duration
}

type filterKey int

const (
	byExpiry filterKey = iota
	byLastUse
	byModified
)

func (f victimFilter) matches(c htcachesweep.Candidate, now time.Time) bool {
	var t int64
	switch f.key {
	case byExpiry:
		t = c.Score.Expiry
	case byLastUse:
		t = c.Score.LastUse
	default:
		t = c.Score.Modified
	}
	return t <= now.Add(-f.age).UnixMicro()
}

// escalationLadder is applied when utilisation is critically high: each
// round loosens the victim filter, expiry first, then access, then mtime
// as a last resort. Entries fresh on all three axes are never deleted.
var escalationLadder = []victimFilter{
	{"expiry>1h", byExpiry, time.Hour},
	{"expiry>30m", byExpiry, 30 * time.Minute},
	{"expiry>10m", byExpiry, 10 * time.Minute},
	{"expiry>1m", byExpiry, time.Minute},
	{"atime>30m", byLastUse, 30 * time.Minute},
	{"atime>10m", byLastUse, 10 * time.Minute},
	{"atime>2m", byLastUse, 2 * time.Minute},
	{"mtime>10m", byModified, 10 * time.Minute},
	{"mtime>2m", byModified, 2 * time.Minute},
}

// roundsFor picks the deletion rounds for the observed utilisation.
func (p *Planner) roundsFor(util float64) []victimFilter {
	switch {
	case util < 0.95:
		return []victimFilter{{"expiry>6h", byExpiry, 6 * time.Hour}}
	case util < 0.99:
		return []victimFilter{{"expiry>3h", byExpiry, 3 * time.Hour}}
	default:
		return escalationLadder
	}
}

// drainState tracks what the last probe said the drain still has to free.
type drainState struct {
	bytesNeeded   int64
	inodePressure bool
}

// drain pops candidates oldest-first through successive rounds, deleting
// matches and re-probing every ReprobeEvery deletions. When the run
// started above the target band, or ran the escalation ladder, the drain
// stops as soon as usage is under the target; a run in the gentle
// brackets (below 0.99) simply clears every victim its expired-only
// rounds admit, since expired content has no value worth keeping.
// Returns nil both when the band is reached and when the rounds are
// exhausted; the caller re-checks usage.
func (p *Planner) drain(ctx context.Context, result *Result, cands []htcachesweep.Candidate, util float64, desperate bool) error {
	if len(cands) == 0 {
		return nil
	}
	rounds := p.roundsFor(util)
	target := p.target(desperate)
	// 0.99 is where roundsFor switches to the escalation ladder.
	stopInBand := util >= target || util >= 0.99

	state, err := p.reprobe(target)
	if err != nil {
		return err
	}

	deletions := 0
	for i, round := range rounds {
		// SIGTERM lets the in-flight round finish; we stop between rounds.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Rounds = i + 1
		now := p.now()

		retained := cands[:0]
		for _, c := range cands {
			if !round.matches(c, now) {
				retained = append(retained, c)
				continue
			}

			if err := p.deleteCandidate(result, c, desperate, state); err != nil {
				return err
			}

			deletions++
			if stopInBand && deletions%p.config.ReprobeEvery == 0 {
				inBand, err := p.checkBand(result, target, state)
				if err != nil || inBand {
					return err
				}
			}
		}
		cands = retained

		if stopInBand {
			inBand, err := p.checkBand(result, target, state)
			if err != nil || inBand {
				return err
			}
			p.logger.Debug("eviction round complete, usage still above target",
				"round", round.name,
				"util", result.FinalUtil,
				"remaining_candidates", len(cands),
			)
		}
	}
	return nil
}

func (p *Planner) reprobe(target float64) (*drainState, error) {
	snap, _, err := p.usage()
	if err != nil {
		return nil, err
	}
	state := &drainState{}
	if p.config.BytesLimit > 0 {
		state.bytesNeeded = int64(snap.BytesUsed) - int64(target*float64(p.config.BytesLimit))
	}
	if p.config.InodesLimit > 0 {
		state.inodePressure = snap.InodeUtil(p.config.InodesLimit) >= target
	}
	return state, nil
}

func (p *Planner) checkBand(result *Result, target float64, state *drainState) (bool, error) {
	snap, util, err := p.usage()
	if err != nil {
		return false, err
	}
	result.FinalUtil = util
	if p.config.BytesLimit > 0 {
		state.bytesNeeded = int64(snap.BytesUsed) - int64(target*float64(p.config.BytesLimit))
	}
	if p.config.InodesLimit > 0 {
		state.inodePressure = snap.InodeUtil(p.config.InodesLimit) >= target
	}
	if util < target {
		result.InBand = true
		return true, nil
	}
	return false, nil
}

// deleteCandidate removes a cache entry, header first so a reader never
// sees a body without metadata. Under desperate byte pressure, when the
// body alone would carry usage across the band, the header is kept so
// its metadata survives for surrounding entries; headers whose bodies
// are already gone free an inode on their own.
func (p *Planner) deleteCandidate(result *Result, c htcachesweep.Candidate, desperate bool, state *drainState) error {
	bodyOnly := desperate && !state.inodePressure && !c.BodyMissing &&
		state.bytesNeeded > 0 && c.BodySize >= state.bytesNeeded

	var freed uint64
	if bodyOnly {
		n, err := p.unlink(result, c.DataPath())
		if err != nil {
			return err
		}
		freed += n
		result.BodiesEvicted++
	} else {
		n, err := p.unlink(result, c.HeaderPath)
		if err != nil {
			return err
		}
		freed += n
		if !c.BodyMissing {
			n, err = p.unlink(result, c.DataPath())
			if err != nil {
				return err
			}
			freed += n
		}
		result.EntriesEvicted++
	}

	result.BytesFreed += freed
	state.bytesNeeded -= int64(freed)

	p.logger.Info("evicted",
		"path", c.HeaderPath,
		"bytes", freed,
		"body_only", bodyOnly,
		"dry_run", p.config.DryRun,
	)
	return nil
}

// unlink removes one file, re-reading its size just before deletion to
// tolerate modification races. A file another process already removed is
// success; permission failures are counted and skipped; anything else
// aborts the run.
func (p *Planner) unlink(result *Result, path string) (uint64, error) {
	var size uint64
	fi, err := os.Lstat(path)
	switch {
	case err == nil:
		size = uint64(fi.Size())
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	}

	if p.config.DryRun {
		return size, nil
	}

	switch err := os.Remove(path); {
	case err == nil:
		return size, nil
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		result.Failed++
		p.logger.Warn("skipped", "path", path, "error", err)
		return 0, nil
	default:
		return 0, fmt.Errorf("unlinking %s: %w", path, err)
	}
}
