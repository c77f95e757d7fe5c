package ble

import (
	"fmt"
	"slices"
	"time"

	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/timer"
)

// JobID identifies a scheduled advertising job. Zero is never issued.
type JobID uint64

// JobTag classifies jobs so a whole class can be unscheduled at once.
type JobTag string

const (
	TagDiscovery    JobTag = "discovery"
	TagReconnection JobTag = "reconnection"
	TagApplication  JobTag = "application"
)

// JobCallback runs on the executor once a job leaves the schedule.
// completed is true when the job ran out of terms and false when it was
// unscheduled.
type JobCallback func(id JobID, completed bool)

// jobHeaderBytes is charged to the allocator for each job's bookkeeping.
const jobHeaderBytes = 48

type advertJob struct {
	id      JobID
	tag     JobTag
	terms   []Term
	cur     int
	elapsed time.Duration
	payload advertising.Payload
	mem     []byte
	cb      JobCallback
}

func (j *advertJob) term() Term {
	return j.terms[j.cur]
}

// advertiser holds the ring of jobs. head is the job to put on air next
// and current the one last performed.
type advertiser struct {
	ring        []*advertJob
	head        *advertJob
	current     *advertJob
	advertising bool
	lastPayload JobID
	nextID      JobID
	cycle       timer.Timer
}

func (a *advertiser) init() {
	*a = advertiser{nextID: 1}
}

func (a *advertiser) index(j *advertJob) int {
	return slices.Index(a.ring, j)
}

func (a *advertiser) find(id JobID) *advertJob {
	for _, j := range a.ring {
		if j.id == id {
			return j
		}
	}
	return nil
}

// AdvertJob describes a scheduled job.
type AdvertJob struct {
	ID        JobID
	Tag       JobTag
	TermIndex int
	Term      Term
	Elapsed   time.Duration
}

// ScheduleAdvert adds a job that advertises payload following terms.
// cb may be nil.
func (c *Core) ScheduleAdvert(payload advertising.Payload, terms []Term, tag JobTag, cb JobCallback) (JobID, error) {
	if err := payload.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validateTerms(terms, payload.HasScanResponse()); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.initialized {
		return 0, ErrNotInitialized
	}

	mem, err := c.alloc.Alloc(jobHeaderBytes + payload.Len())
	if err != nil {
		return 0, fmt.Errorf("ble: advertising job: %w", err)
	}
	data := mem[jobHeaderBytes:]
	n := copy(data, payload.Adv)
	copy(data[n:], payload.ScanResp)

	j := &advertJob{
		id:    c.adv.nextID,
		tag:   tag,
		terms: slices.Clone(terms),
		mem:   mem,
		cb:    cb,
		payload: advertising.Payload{
			Adv:      data[:n:n],
			ScanResp: data[n:],
		},
	}
	c.adv.nextID++

	logger.Debug("ble", "scheduled advert job %d (%s) %v", j.id, tag, terms)
	c.linkAdvertJob(j)
	return j.id, nil
}

// linkAdvertJob inserts j right after the head. It becomes the head, and
// goes on air at once, unless it starts silent.
func (c *Core) linkAdvertJob(j *advertJob) {
	a := &c.adv
	if len(a.ring) == 0 {
		a.ring = []*advertJob{j}
		a.head = j
	} else {
		a.ring = slices.Insert(a.ring, a.index(a.head)+1, j)
		if !j.term().silent() {
			a.head = j
		}
	}
	if a.head == j {
		c.performNextJob(false)
	}
}

// unlinkAdvertJob removes j from the ring, moving the head on if needed.
func (c *Core) unlinkAdvertJob(j *advertJob) bool {
	a := &c.adv
	i := a.index(j)
	if i < 0 {
		return false
	}
	if a.head == j {
		a.head = nil
		if n := len(a.ring); n > 1 {
			a.head = a.ring[(i+1)%n]
			for k := 1; k < n; k++ {
				if cand := a.ring[(i+k)%n]; !cand.term().silent() {
					a.head = cand
					break
				}
			}
		}
	}
	a.ring = slices.Delete(a.ring, i, i+1)
	return true
}

// releaseAdvertJob frees a job that has left the ring and reports it.
func (c *Core) releaseAdvertJob(j *advertJob, completed bool) {
	a := &c.adv
	if a.lastPayload == j.id {
		a.lastPayload = 0
	}
	c.alloc.Free(j.mem)
	j.mem = nil

	logger.Debug("ble", "advert job %d (%s) done completed=%v", j.id, j.tag, completed)
	c.publish(nil, event.AdvertJobDone, event.StatusOK, event.JobDone{
		Job:       uint64(j.id),
		Tag:       string(j.tag),
		Completed: completed,
	})
	if j.cb != nil {
		cb, id := j.cb, j.id
		c.exec.Submit(func() { cb(id, completed) })
	}
}

// UnscheduleAdvert removes a job. It reports false if id is not scheduled.
func (c *Core) UnscheduleAdvert(id JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unscheduleAdvert(id)
}

func (c *Core) unscheduleAdvert(id JobID) bool {
	j := c.adv.find(id)
	if j == nil || !c.unlinkAdvertJob(j) {
		return false
	}
	c.performNextJob(false)
	c.releaseAdvertJob(j, false)
	return true
}

// UnscheduleAdvertTags removes every job carrying one of tags and
// returns how many were removed. The walk goes backwards from the job
// before the head and reaches the head last, so the job on air is only
// replaced once.
func (c *Core) UnscheduleAdvertTags(tags ...JobTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := &c.adv
	n := len(a.ring)
	if n == 0 {
		return 0
	}
	start := a.index(a.head)
	if start < 0 {
		start = 0
	}
	var ids []JobID
	for k := 1; k <= n; k++ {
		j := a.ring[(start-k+n)%n]
		if slices.Contains(tags, j.tag) {
			ids = append(ids, j.id)
		}
	}

	removed := 0
	for _, id := range ids {
		if c.unscheduleAdvert(id) {
			removed++
		}
	}
	return removed
}

// performNextJob puts the head on air, replacing whatever was there.
func (c *Core) performNextJob(force bool) {
	a := &c.adv
	next := a.head
	if next == a.current && !force && a.advertising {
		return
	}

	if a.current != nil {
		if a.advertising {
			c.drv.AdvertDisable()
			a.advertising = false
			c.stats.StopStopwatch(analytics.AdvertBandwidth)
		}
		if next == nil && a.cycle != nil {
			a.cycle.Stop()
			a.cycle = nil
		}
	}
	a.current = next
	if next == nil {
		return
	}
	if a.cycle == nil {
		a.cycle = c.timers.Every(c.cfg.Advertising.CycleInterval, c.advertCycle)
	}

	t := next.term()
	if t.silent() || c.hasSlaveLink() {
		return
	}

	if a.lastPayload != next.id {
		c.drv.AdvertSetData(next.payload)
		a.lastPayload = next.id
	}
	minMs, maxMs := slotsToMs(t.MinSlots), slotsToMs(t.MaxSlots)
	if !c.drv.AdvertEnable(minMs, maxMs, next.payload.HasScanResponse()) {
		logger.Warn("ble", "controller refused to advertise job %d", next.id)
		return
	}
	a.advertising = true

	bytes := float64(next.payload.Len() + c.cfg.Advertising.PacketOverheadBytes)
	c.stats.StartStopwatch(analytics.AdvertBandwidth, bytes/((minMs+maxMs)/2/1000))
	logger.Trace("ble", "advertising job %d %s", next.id, t)
}

// advertCycle runs once per cycle interval while any job is scheduled.
func (c *Core) advertCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := &c.adv
	if a.head == nil || !c.reg.initialized || c.hasSlaveLink() {
		return
	}
	aired := a.current

	// Silent terms elapse whether or not their job is on air.
	for _, j := range slices.Clone(a.ring) {
		if j == aired || !j.term().silent() {
			continue
		}
		if _, done := c.advanceAdvertJob(j); done {
			c.unlinkAdvertJob(j)
			c.releaseAdvertJob(j, true)
		}
	}

	if n := len(a.ring); n > 0 && a.head != nil {
		i := a.index(a.head)
		for k := 1; k <= n; k++ {
			if cand := a.ring[(i+k)%n]; !cand.term().silent() {
				a.head = cand
				break
			}
		}
	}

	force := false
	if aired != nil && a.index(aired) >= 0 {
		changed, done := c.advanceAdvertJob(aired)
		if done {
			c.unlinkAdvertJob(aired)
			c.releaseAdvertJob(aired, true)
		} else if changed && a.head == aired {
			force = true
		}
	}

	c.performNextJob(force)
}

// advanceAdvertJob adds one cycle to j's current term and moves to the
// next term when it runs out. done is set when no terms remain.
func (c *Core) advanceAdvertJob(j *advertJob) (changed, done bool) {
	t := j.term()
	if t.Forever {
		return false, false
	}
	j.elapsed += c.cfg.Advertising.CycleInterval
	if j.elapsed < t.Duration {
		return false, false
	}

	j.elapsed = 0
	j.cur++
	if j.cur < len(j.terms) && j.terms[j.cur].Kind == TermLoopTo {
		j.cur = j.terms[j.cur].LoopTo
	}
	if j.cur >= len(j.terms) {
		j.cur = len(j.terms) - 1
		return true, true
	}
	return true, false
}

func (c *Core) hasSlaveLink() bool {
	return c.reg.FindBy(func(conn *Connection) bool { return !conn.LocalIsMaster }) != nil
}

// advertHandleConnect records that the controller stopped advertising
// because a central connected.
func (c *Core) advertHandleConnect() {
	a := &c.adv
	if a.advertising {
		a.advertising = false
		c.stats.StopStopwatch(analytics.AdvertBandwidth)
	}
}

func (c *Core) advertHandleDisconnect() {
	if !c.hasSlaveLink() {
		c.performNextJob(true)
	}
}

func (c *Core) closeAdvertising() {
	for len(c.adv.ring) > 0 {
		c.unscheduleAdvert(c.adv.ring[0].id)
	}
	if c.adv.cycle != nil {
		c.adv.cycle.Stop()
		c.adv.cycle = nil
	}
}

// AdvertJobs lists scheduled jobs in ring order.
func (c *Core) AdvertJobs() []AdvertJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AdvertJob, 0, len(c.adv.ring))
	for _, j := range c.adv.ring {
		out = append(out, AdvertJob{ID: j.id, Tag: j.tag, TermIndex: j.cur, Term: j.term(), Elapsed: j.elapsed})
	}
	return out
}

// CurrentAdvertJob returns the job last put on air.
func (c *Core) CurrentAdvertJob() (JobID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adv.current == nil {
		return 0, false
	}
	return c.adv.current.id, true
}

// IsAdvertising reports whether the controller is advertising for a job.
func (c *Core) IsAdvertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adv.advertising
}
