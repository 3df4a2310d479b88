package store

// Schema contains the complete DDL for the archive tables.
const Schema = `
-- Channels: one row per archived Discord/Telegram channel
CREATE TABLE IF NOT EXISTS channels (
    id                 TEXT PRIMARY KEY,
    display_name       TEXT NOT NULL DEFAULT '',
    platform           TEXT NOT NULL DEFAULT '',
    last_backfilled_at INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

-- Messages: written once by the ingestion cursor, never updated by it
CREATE TABLE IF NOT EXISTS messages (
    channel_id  TEXT NOT NULL,
    message_id  INTEGER NOT NULL,
    author_id   TEXT NOT NULL DEFAULT '',
    author_name TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    edited_at   INTEGER,
    body        TEXT,
    reply_to    INTEGER,
    has_media   INTEGER NOT NULL DEFAULT 0,
    media_json  TEXT NOT NULL DEFAULT '',
    raw_path    TEXT NOT NULL DEFAULT '',
    processed   INTEGER NOT NULL DEFAULT 0,
    ingested_at INTEGER NOT NULL,
    PRIMARY KEY (channel_id, message_id),
    FOREIGN KEY (channel_id) REFERENCES channels(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(channel_id, message_id) WHERE processed = 0;

-- Extraction runs: observability log, never the source of the watermark.
-- No foreign key: a run that fails before the channel is known is still logged.
CREATE TABLE IF NOT EXISTS extraction_runs (
    id               TEXT PRIMARY KEY,
    channel_id       TEXT NOT NULL,
    source           TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL CHECK(status IN ('running','completed','partial','failed')),
    started_at       INTEGER NOT NULL,
    ended_at         INTEGER,
    watermark_before INTEGER,
    last_message_id  INTEGER,
    last_message_at  INTEGER,
    written          INTEGER NOT NULL DEFAULT 0,
    skipped          INTEGER NOT NULL DEFAULT 0,
    rejected         INTEGER NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_channel ON extraction_runs(channel_id, started_at DESC);
`
