// Package timeline owns the clip arena, the track table and the interval
// index built over them. Readers (playback, preview, render) take the read
// lock only for the duration of a query and receive value copies, so no
// decode ever runs under the lock.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/keagan/splice/internal/clips"
	"github.com/keagan/splice/internal/interval"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("clip not found")
	ErrNoTrack     = errors.New("track does not exist")
	ErrOverlap     = errors.New("clip overlaps another clip on the same track")
	ErrDuplicate   = errors.New("clip id already on timeline")
	ErrTrackLocked = errors.New("track kind cannot change during playback")
	ErrSplitPoint  = errors.New("split point must fall strictly inside the clip")
)

// Settings are the project-wide output parameters
type Settings struct {
	FPS    float64
	Width  int
	Height int
}

// Timeline is the authoritative clip collection
type Timeline struct {
	logger   zerolog.Logger
	settings Settings

	mu     sync.RWMutex
	tracks []Track
	clips  map[clips.ID]*clips.Clip
	index  *interval.Index[*clips.Clip]
	length int64
	holds  int

	revision atomic.Uint64
	playhead atomic.Int64
}

// New creates an empty timeline
func New(logger zerolog.Logger, settings Settings) *Timeline {
	if settings.FPS <= 0 {
		settings.FPS = 30
	}
	return &Timeline{
		logger:   logger.With().Str("component", "timeline").Logger(),
		settings: settings,
		clips:    make(map[clips.ID]*clips.Clip),
		index:    interval.New[*clips.Clip](),
	}
}

// FPS returns the project frame rate
func (t *Timeline) FPS() float64 {
	return t.settings.FPS
}

// Size returns the output picture dimensions
func (t *Timeline) Size() (width, height int) {
	return t.settings.Width, t.settings.Height
}

// Revision increases on every structural mutation
func (t *Timeline) Revision() uint64 {
	return t.revision.Load()
}

func (t *Timeline) bump() {
	t.revision.Add(1)
}

// AddTrack appends a track and returns its index
func (t *Timeline) AddTrack(kind TrackKind, name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := len(t.tracks)
	t.tracks = append(t.tracks, Track{Index: idx, Kind: kind, Name: name, Height: 60})
	t.bump()
	return idx
}

// Tracks returns a copy of the track table
func (t *Timeline) Tracks() []Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Track(nil), t.tracks...)
}

// SetTrackKind switches a track between video and audio. Eligibility is
// derived from the kind at query time, so the revision bump is all
// dependents need.
func (t *Timeline) SetTrackKind(index int, kind TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.tracks) {
		return fmt.Errorf("%w: %d", ErrNoTrack, index)
	}
	if t.holds > 0 {
		return ErrTrackLocked
	}
	if t.tracks[index].Kind == kind {
		return nil
	}
	t.tracks[index].Kind = kind
	t.bump()
	return nil
}

// Hold marks the timeline as being played; track kinds are frozen until
// the returned release func is called.
func (t *Timeline) Hold() (release func()) {
	t.mu.Lock()
	t.holds++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.holds--
			t.mu.Unlock()
		})
	}
}

// Add places a copy of c on the timeline
func (t *Timeline) Add(c *clips.Clip) error {
	if err := c.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.clips[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
	}
	if err := t.checkPlacement(c, ""); err != nil {
		return err
	}

	stored := c.Clone()
	t.clips[stored.ID] = stored
	t.index.Insert(stored.StartFrame, stored.End(), stored)
	t.bump()

	t.logger.Debug().
		Str("clip", string(stored.ID)).
		Int64("start", stored.StartFrame).
		Int64("end", stored.End()).
		Int("track", stored.TrackIndex).
		Msg("clip added")
	return nil
}

// checkPlacement verifies c's track exists and that no other clip on it
// intersects c's interval. Identical intervals on one track are rejected
// the same way as partial overlaps. Caller holds the lock.
func (t *Timeline) checkPlacement(c *clips.Clip, self clips.ID) error {
	if c.TrackIndex >= len(t.tracks) {
		return fmt.Errorf("%w: %d", ErrNoTrack, c.TrackIndex)
	}
	for id, other := range t.clips {
		if id == self || other.TrackIndex != c.TrackIndex {
			continue
		}
		if c.StartFrame < other.End() && other.StartFrame < c.End() {
			return fmt.Errorf("%w: %q [%d,%d) vs %q [%d,%d)", ErrOverlap,
				c.Name, c.StartFrame, c.End(), other.Name, other.StartFrame, other.End())
		}
	}
	return nil
}

// unindex removes a clip's current coordinates from the index. A miss
// means clip and index disagree, which no caller can recover from.
func (t *Timeline) unindex(c *clips.Clip) {
	if !t.index.Remove(c.StartFrame, c.End(), c) {
		panic(fmt.Sprintf("timeline: index out of sync for clip %s [%d,%d)", c.ID, c.StartFrame, c.End()))
	}
}

// Remove deletes a clip
func (t *Timeline) Remove(id clips.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clips[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.unindex(c)
	delete(t.clips, id)
	t.bump()
	return nil
}

// Update applies fn to a copy of the clip and commits the result if it is
// still valid and placeable. The index entry is removed with the
// pre-mutation coordinates and reinserted with the new ones.
func (t *Timeline) Update(id clips.ID, fn func(c *clips.Clip)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.clips[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := current.Clone()
	fn(next)
	next.ID = id

	if err := next.Validate(); err != nil {
		return err
	}
	if err := t.checkPlacement(next, id); err != nil {
		return err
	}

	t.unindex(current)
	*current = *next
	t.index.Insert(current.StartFrame, current.End(), current)
	t.bump()
	return nil
}

// Move changes a clip's start frame and track
func (t *Timeline) Move(id clips.ID, start int64, track int) error {
	return t.Update(id, func(c *clips.Clip) {
		c.StartFrame = start
		c.TrackIndex = track
	})
}

// Trim resizes a clip to [start, start+duration). Moving the head keeps
// the picture anchored: the source offset shifts with it.
func (t *Timeline) Trim(id clips.ID, start, duration int64) error {
	return t.Update(id, func(c *clips.Clip) {
		c.SourceOffsetFrames += start - c.StartFrame
		c.StartFrame = start
		c.DurationFrames = duration
	})
}

// Split cuts a clip at frame, returning the id of the new right half.
func (t *Timeline) Split(id clips.ID, at int64) (clips.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	left, ok := t.clips[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if at <= left.StartFrame || at >= left.End() {
		return "", fmt.Errorf("%w: %d not in (%d,%d)", ErrSplitPoint, at, left.StartFrame, left.End())
	}

	right := left.Clone()
	right.ID = clips.NewID()
	right.Name = left.Name + " (split)"
	right.StartFrame = at
	right.DurationFrames = left.End() - at
	right.SourceOffsetFrames = left.SourceOffsetFrames + (at - left.StartFrame)
	right.FadeInFrames = 0
	right.TimeRemap = shiftKeyframes(left.TimeRemap, at-left.StartFrame)

	t.unindex(left)
	left.DurationFrames = at - left.StartFrame
	left.FadeOutFrames = 0
	if left.FadeInFrames > left.DurationFrames {
		left.FadeInFrames = left.DurationFrames
	}
	if right.FadeOutFrames > right.DurationFrames {
		right.FadeOutFrames = right.DurationFrames
	}

	t.index.Insert(left.StartFrame, left.End(), left)
	t.clips[right.ID] = right
	t.index.Insert(right.StartFrame, right.End(), right)
	t.bump()
	return right.ID, nil
}

// Paste places a copy of clip id at start on track under a fresh id
func (t *Timeline) Paste(id clips.ID, start int64, track int) (clips.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, ok := t.clips[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c := src.Clone()
	c.ID = clips.NewID()
	c.StartFrame = start
	c.TrackIndex = track
	if err := c.Validate(); err != nil {
		return "", err
	}
	if err := t.checkPlacement(c, ""); err != nil {
		return "", err
	}

	t.clips[c.ID] = c
	t.index.Insert(c.StartFrame, c.End(), c)
	t.bump()
	return c.ID, nil
}

func shiftKeyframes(keys []clips.Keyframe, by int64) []clips.Keyframe {
	if len(keys) == 0 {
		return nil
	}
	out := make([]clips.Keyframe, len(keys))
	for i, k := range keys {
		out[i] = clips.Keyframe{LocalFrame: k.LocalFrame - by, SourceFrame: k.SourceFrame}
	}
	return out
}

// Clear removes every clip; tracks are kept
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clips = make(map[clips.ID]*clips.Clip)
	t.index.Clear()
	t.bump()
}

// Get returns a copy of one clip
func (t *Timeline) Get(id clips.ID) (clips.Clip, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.clips[id]
	if !ok {
		return clips.Clip{}, false
	}
	return *c.Clone(), true
}

// Clips returns copies of all clips ordered by start, then track
func (t *Timeline) Clips() []clips.Clip {
	t.mu.RLock()
	out := make([]clips.Clip, 0, len(t.clips))
	t.index.Walk(func(_, _ int64, c *clips.Clip) bool {
		out = append(out, *c.Clone())
		return true
	})
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartFrame != out[j].StartFrame {
			return out[i].StartFrame < out[j].StartFrame
		}
		return out[i].TrackIndex < out[j].TrackIndex
	})
	return out
}

// ActiveAt returns copies of every clip whose interval contains frame, of
// the given track kind.
func (t *Timeline) ActiveAt(frame int64, kind TrackKind) []clips.Clip {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hits := t.index.Query(frame)
	if len(hits) == 0 {
		return nil
	}
	out := make([]clips.Clip, 0, len(hits))
	for _, c := range hits {
		if c.TrackIndex < len(t.tracks) && t.tracks[c.TrackIndex].Kind == kind {
			out = append(out, *c.Clone())
		}
	}
	return out
}

// SetLength sets an explicit project length in frames. The timeline is
// never shorter than its last clip.
func (t *Timeline) SetLength(frames int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if frames < 0 {
		frames = 0
	}
	t.length = frames
	t.bump()
}

// TotalFrames is max(explicit length, end of last clip)
func (t *Timeline) TotalFrames() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if end := t.index.MaxEnd(); end > t.length {
		return end
	}
	return t.length
}

// Playhead returns the canonical current frame
func (t *Timeline) Playhead() int64 {
	return t.playhead.Load()
}

// SeekTo moves the playhead. A running playback loop notices the jump and
// re-anchors its clock.
func (t *Timeline) SeekTo(frame int64) {
	if frame < 0 {
		frame = 0
	}
	t.playhead.Store(frame)
}

// AdvancePlayhead publishes a new frame only if nobody seeked since old
// was read.
func (t *Timeline) AdvancePlayhead(old, frame int64) bool {
	return t.playhead.CompareAndSwap(old, frame)
}
