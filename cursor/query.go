package cursor

import (
	"context"
	"fmt"
)

// ChannelStatus is a channel with its message stats and watermark.
type ChannelStatus struct {
	*Channel
	Stats     *Stats `json:"stats"`
	Watermark *int64 `json:"watermark,omitempty"`
}

// Channels lists all archived channels.
func (s *Service) Channels(ctx context.Context) ([]*Channel, error) {
	chs, err := s.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("cursor: list channels: %w", err)
	}
	return chs, nil
}

// Stats returns message counts and bounds for a channel. A channel without
// messages yields zero counts, not an error.
func (s *Service) Stats(ctx context.Context, channelID string) (*Stats, error) {
	st, err := s.store.ChannelStats(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("cursor: stats %s: %w", channelID, err)
	}
	return st, nil
}

// Status returns the channel, its stats and watermark. Returns nil, nil for
// an unknown channel.
func (s *Service) Status(ctx context.Context, channelID string) (*ChannelStatus, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("cursor: get channel %s: %w", channelID, err)
	}
	if ch == nil {
		return nil, nil
	}
	st, err := s.Stats(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &ChannelStatus{Channel: ch, Stats: st, Watermark: st.MaxMessageID}, nil
}

// Runs returns the latest extraction runs of a channel, newest first.
func (s *Service) Runs(ctx context.Context, channelID string, limit int) ([]*Run, error) {
	runs, err := s.store.ListRuns(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("cursor: list runs %s: %w", channelID, err)
	}
	return runs, nil
}

// Messages lists stored messages for downstream consumers.
func (s *Service) Messages(ctx context.Context, channelID string, opts ListOptions) ([]*Message, error) {
	msgs, err := s.store.ListMessages(ctx, channelID, opts)
	if err != nil {
		return nil, fmt.Errorf("cursor: list messages %s: %w", channelID, err)
	}
	return msgs, nil
}

// MarkProcessed is the downstream acknowledgement. The cursor itself never
// reads the processed flag.
func (s *Service) MarkProcessed(ctx context.Context, channelID string, ids []int64) (int64, error) {
	n, err := s.store.MarkProcessed(ctx, channelID, ids)
	if err != nil {
		return 0, fmt.Errorf("cursor: mark processed %s: %w", channelID, err)
	}
	return n, nil
}
