package presence

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/music"
	"github.com/latoulicious/Vivace/pkg/session"
)

// StatusUpdater is satisfied by *discordgo.Session.
type StatusUpdater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// PresenceManager mirrors playback in the bot's presence. It shows the most
// recently started track while any guild is playing and a server count
// otherwise.
type PresenceManager struct {
	updater    StatusUpdater
	guildCount func() int
	logger     logging.Logger

	mu      sync.Mutex
	playing map[string]playing
	shown   string
}

type playing struct {
	title string
	since time.Time
}

func NewPresenceManager(updater StatusUpdater, guildCount func() int, logger logging.Logger) *PresenceManager {
	return &PresenceManager{
		updater:    updater,
		guildCount: guildCount,
		logger:     logger.With(logging.String("component", "presence")),
		playing:    make(map[string]playing),
	}
}

// OnStateChange is registered with session.Registry.OnStateChanged.
func (pm *PresenceManager) OnStateChange(c session.StateChange) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if c.View.Status == music.StatusPlaying && c.View.Current != nil {
		prev, ok := pm.playing[c.GuildID]
		if !ok || prev.title != c.View.Current.Title {
			pm.playing[c.GuildID] = playing{title: c.View.Current.Title, since: time.Now()}
		}
	} else {
		delete(pm.playing, c.GuildID)
	}
	pm.refreshLocked(false)
}

// UpdateDefaultPresence shows the server count unless music is playing.
func (pm *PresenceManager) UpdateDefaultPresence() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.refreshLocked(true)
}

// CurrentPresence returns what is shown: a track title, or "default".
func (pm *PresenceManager) CurrentPresence() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.shown
}

func (pm *PresenceManager) refreshLocked(force bool) {
	if title, ok := pm.latestLocked(); ok {
		if pm.shown == title && !force {
			return
		}
		pm.apply(&discordgo.Activity{Name: "to", Type: discordgo.ActivityTypeListening, State: title}, title)
		return
	}
	if pm.shown == "default" && !force {
		return
	}
	guilds := 0
	if pm.guildCount != nil {
		guilds = pm.guildCount()
	}
	pm.apply(&discordgo.Activity{
		Name:  "/play",
		Type:  discordgo.ActivityTypeWatching,
		State: "in " + strconv.Itoa(guilds) + " servers",
	}, "default")
}

func (pm *PresenceManager) latestLocked() (string, bool) {
	if len(pm.playing) == 0 {
		return "", false
	}
	all := make([]playing, 0, len(pm.playing))
	for _, p := range pm.playing {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].since.After(all[j].since) })
	return all[0].title, true
}

func (pm *PresenceManager) apply(activity *discordgo.Activity, shown string) {
	err := pm.updater.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     "online",
		Activities: []*discordgo.Activity{activity},
	})
	if err != nil {
		pm.logger.Warn("Failed to update presence", logging.Error(err))
		return
	}
	pm.shown = shown
}

// RefreshIdle re-reads the server count when nothing is playing.
func (pm *PresenceManager) RefreshIdle(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if len(pm.playing) == 0 {
		pm.refreshLocked(true)
	}
	return nil
}
