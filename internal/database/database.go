package database

import (
	"database/sql"
)

// GuildhallRepository is the durable store contract consumed by the
// realtime layer and the HTTP handlers.
type GuildhallRepository interface {
	ListChannels() ([]Channel, error)
	GetChannelBySlug(slug string) (Channel, error)
	GetChannelById(id string) (Channel, error)
	CreateChannel(params CreateChannelParams) (Channel, error)
	GetMessages(channelId string, limit int) ([]Message, error)
	GetMessage(id string) (Message, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	UpdateMessage(params UpdateMessageParams) (Message, error)
	GetProfile(id string) (Profile, error)
}

type PgGuildhallRepository struct {
	conn *sql.DB
}

func NewPgGuildhallRepository(dsn string) (*PgGuildhallRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgGuildhallRepository{conn: db}, nil
}

func (db *PgGuildhallRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
