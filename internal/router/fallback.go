package router

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/runtime/vt"
)

// Fallback settings. Agents without a working event hook get their output
// scraped from the window buffer once it stops changing.
const (
	defaultInitialDelay = 3 * time.Second
	defaultStableCheck  = 2 * time.Second
	maxFallbackChecks   = 3
)

// defaultPromptPattern matches the prompt marker agent TUIs draw when a
// turn is finished.
const defaultPromptPattern = `^❯\s`

type fallbackJob struct {
	projectName string
	agentType   string
	instanceID  string
	session     string
	window      string
	channelID   string

	snapshot string
	checks   int
	timer    *time.Timer
}

// FallbackScheduler watches windows for quiescence when hooks are silent.
// Scheduling the same instance again replaces the previous watch.
type FallbackScheduler struct {
	pending   PendingTracker
	runtime   runtime.Runtime
	messenger Sender

	initialDelay time.Duration
	stableCheck  time.Duration
	prompt       *regexp.Regexp

	mu   sync.Mutex
	jobs map[string]*fallbackJob
}

// Sender is the messaging slice the fallback needs.
type Sender interface {
	SendToChannel(ctx context.Context, channelID, text string) (string, error)
}

// NewFallbackScheduler builds a scheduler with env-tunable timing.
func NewFallbackScheduler(p PendingTracker, rt runtime.Runtime, sender Sender) *FallbackScheduler {
	prompt := defaultPromptPattern
	if v := os.Getenv("DISCODE_PROMPT_PATTERN"); v != "" {
		if _, err := regexp.Compile("(?m)" + v); err == nil {
			prompt = v
		} else {
			log.Warn().Str("pattern", v).Msg("router: invalid DISCODE_PROMPT_PATTERN, using default")
		}
	}
	return &FallbackScheduler{
		pending:      p,
		runtime:      rt,
		messenger:    sender,
		initialDelay: envMillis("DISCODE_FALLBACK_INITIAL_DELAY_MS", defaultInitialDelay),
		stableCheck:  envMillis("DISCODE_FALLBACK_STABLE_CHECK_MS", defaultStableCheck),
		prompt:       regexp.MustCompile("(?m)" + prompt),
		jobs:         make(map[string]*fallbackJob),
	}
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Schedule arms (or re-arms) the buffer watch for an instance.
func (f *FallbackScheduler) Schedule(projectName, agentType, instanceID, session, window, channelID string) {
	key := projectName + "/" + instanceID

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.jobs[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	job := &fallbackJob{
		projectName: projectName,
		agentType:   agentType,
		instanceID:  instanceID,
		session:     session,
		window:      window,
		channelID:   channelID,
	}
	f.jobs[key] = job
	job.timer = time.AfterFunc(f.initialDelay, func() { f.check(key, job) })
}

// Cancel drops any scheduled watch for the instance.
func (f *FallbackScheduler) Cancel(projectName, instanceID string) {
	key := projectName + "/" + instanceID
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[key]; ok {
		if job.timer != nil {
			job.timer.Stop()
		}
		delete(f.jobs, key)
	}
}

func (f *FallbackScheduler) check(key string, job *fallbackJob) {
	f.mu.Lock()
	if f.jobs[key] != job {
		f.mu.Unlock()
		return // superseded by a newer schedule
	}
	f.mu.Unlock()

	if !f.pending.HasPending(job.projectName, job.agentType, job.instanceID) {
		f.drop(key, job)
		return // the hook already reported
	}

	text := f.captureText(job)
	if text == "" {
		f.drop(key, job)
		return // nothing captured, leave the turn to the hook
	}

	if text == job.snapshot {
		f.emit(job)
		f.drop(key, job)
		return
	}

	job.snapshot = text
	f.reschedule(key, job)
}

func (f *FallbackScheduler) reschedule(key string, job *fallbackJob) {
	job.checks++
	if job.checks >= maxFallbackChecks {
		f.drop(key, job)
		return // yield to the hook
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs[key] != job {
		return
	}
	job.timer = time.AfterFunc(f.stableCheck, func() { f.check(key, job) })
}

func (f *FallbackScheduler) drop(key string, job *fallbackJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs[key] == job {
		delete(f.jobs, key)
	}
}

// captureText snapshots the window as plain text, preferring the styled
// frame over the raw scrollback.
func (f *FallbackScheduler) captureText(job *fallbackJob) string {
	if frame, err := f.runtime.GetWindowFrame(job.session, job.window, 0, 0); err == nil && frame != nil {
		var b strings.Builder
		for _, line := range frame.Lines {
			for _, seg := range line.Segments {
				b.WriteString(seg.Text)
			}
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n \t")
	}

	buf, err := f.runtime.GetWindowBuffer(job.session, job.window)
	if err != nil {
		log.Debug().Err(err).Str("window", job.window).Msg("router: fallback capture")
		return ""
	}
	return strings.TrimRight(vt.StripANSI(buf), "\n \t")
}

// emit posts the last prompt block of the stable buffer and resolves the
// pending entry.
func (f *FallbackScheduler) emit(job *fallbackJob) {
	text := job.snapshot
	if loc := f.lastPromptIndex(text); loc >= 0 {
		text = strings.TrimSpace(text[loc:])
	}
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := f.messenger.SendToChannel(ctx, job.channelID, "```\n"+text+"\n```"); err != nil {
		log.Warn().Err(err).Str("channel", job.channelID).Msg("router: fallback send")
	}
	f.pending.MarkCompleted(ctx, job.projectName, job.agentType, job.instanceID)
}

func (f *FallbackScheduler) lastPromptIndex(text string) int {
	locs := f.prompt.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][0]
}
