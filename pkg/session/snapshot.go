package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/player"
)

// TrackRecord is the persisted form of a track. Duration is in whole seconds.
type TrackRecord struct {
	Title       string    `json:"title"`
	SourceRef   string    `json:"sourceRef"`
	Duration    int64     `json:"duration"`
	RequesterID string    `json:"requesterId"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	AddedAt     time.Time `json:"addedAt,omitempty"`
}

// Snapshot is the durable, per-guild record of a session.
type Snapshot struct {
	GuildID        string        `json:"guildId"`
	Queue          []TrackRecord `json:"queue"`
	CurrentTrack   *TrackRecord  `json:"currentTrack"`
	IsPlaying      bool          `json:"isPlaying"`
	Status         string        `json:"status"`
	LastEndpoint   string        `json:"lastEndpoint"`
	RequestChannel string        `json:"requestChannel"`
	Timestamp      time.Time     `json:"timestamp"`
}

func recordOf(t music.Track) TrackRecord {
	return TrackRecord{
		Title:       t.Title,
		SourceRef:   t.SourceRef,
		Duration:    int64(t.Duration / time.Second),
		RequesterID: t.RequestedBy,
		Thumbnail:   t.Thumbnail,
		AddedAt:     t.AddedAt,
	}
}

func (r TrackRecord) track() music.Track {
	return music.Track{
		Title:       r.Title,
		SourceRef:   r.SourceRef,
		Duration:    time.Duration(r.Duration) * time.Second,
		RequestedBy: r.RequesterID,
		Thumbnail:   r.Thumbnail,
		AddedAt:     r.AddedAt,
	}
}

// SnapshotOf captures an engine state. A track still being started is
// listed at the head of the queue.
func SnapshotOf(s player.State) Snapshot {
	upcoming := s.Upcoming()
	snap := Snapshot{
		GuildID:        s.GuildID,
		Queue:          make([]TrackRecord, len(upcoming)),
		IsPlaying:      s.Status == music.StatusPlaying,
		Status:         s.Status.String(),
		LastEndpoint:   s.Endpoint,
		RequestChannel: s.RequestChannel,
		Timestamp:      s.UpdatedAt.UTC(),
	}
	for i, t := range upcoming {
		snap.Queue[i] = recordOf(t)
	}
	if s.Current != nil {
		cur := recordOf(*s.Current)
		snap.CurrentTrack = &cur
	}
	return snap
}

// Tracks returns the queue to restore: an interrupted current track first,
// then the stored queue.
func (s Snapshot) Tracks() []music.Track {
	out := make([]music.Track, 0, len(s.Queue)+1)
	if s.CurrentTrack != nil {
		out = append(out, s.CurrentTrack.track())
	}
	for _, r := range s.Queue {
		out = append(out, r.track())
	}
	return out
}

// Empty reports whether there is nothing worth restoring.
func (s Snapshot) Empty() bool {
	return s.CurrentTrack == nil && len(s.Queue) == 0
}

// Encode serialises the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}
