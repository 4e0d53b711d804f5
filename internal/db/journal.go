package db

import (
	"context"
	"log/slog"
	"time"
)

type activityKind int

const (
	activityJoined activityKind = iota
	activityLeft
	activityLanguage
)

type activity struct {
	kind         activityKind
	roomID       string
	connectionID string
	displayName  string
	language     string
	at           time.Time
}

// Journal feeds session activity into the ledger from a single writer
// goroutine. Recording never blocks: when the queue is full the record
// is dropped.
type Journal struct {
	database *Database
	queue    chan activity
	logger   *slog.Logger
	now      func() time.Time
}

func NewJournal(database *Database, size int, logger *slog.Logger) *Journal {
	if size <= 0 {
		size = 1024
	}
	return &Journal{
		database: database,
		queue:    make(chan activity, size),
		logger:   logger,
		now:      time.Now,
	}
}

func (j *Journal) Joined(roomID, connectionID, displayName string) {
	j.enqueue(activity{kind: activityJoined, roomID: roomID, connectionID: connectionID, displayName: displayName})
}

func (j *Journal) Left(roomID, connectionID string) {
	j.enqueue(activity{kind: activityLeft, roomID: roomID, connectionID: connectionID})
}

func (j *Journal) LanguageChanged(roomID, language string) {
	j.enqueue(activity{kind: activityLanguage, roomID: roomID, language: language})
}

func (j *Journal) enqueue(a activity) {
	a.at = j.now()
	select {
	case j.queue <- a:
	default:
		j.logger.Warn("activity journal full, dropping record", "room_id", a.roomID)
	}
}

// Run writes queued records until ctx is cancelled, then drains what
// is left and returns.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case a := <-j.queue:
			j.apply(a)
		case <-ctx.Done():
			for {
				select {
				case a := <-j.queue:
					j.apply(a)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) apply(a activity) {
	var err error
	switch a.kind {
	case activityJoined:
		err = j.database.OpenSession(a.roomID, a.connectionID, a.displayName, a.at)
	case activityLeft:
		err = j.database.CloseSession(a.roomID, a.connectionID, a.at)
	case activityLanguage:
		err = j.database.SetRoomLanguage(a.roomID, a.language, a.at)
	}
	if err != nil {
		j.logger.Error("failed to write activity", "room_id", a.roomID, "error", err)
	}
}
