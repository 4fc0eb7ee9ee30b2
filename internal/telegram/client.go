// Package telegram wraps the MTProto client behind the capability
// interface the replication core consumes. All higher layers depend on
// Client, never on gotd types, so tests substitute fakes.
package telegram

import "context"

// Client is the platform capability. Every method is a suspension
// point; implementations map raw RPC errors through the taxonomy in
// errors.go before returning.
type Client interface {
	// Ready blocks until the client is connected and authorized.
	Ready(ctx context.Context) error
	// Reconnect tears the transport down and brings it back up. Used
	// once by the rate-limit adapter on an AuthError.
	Reconnect(ctx context.Context) error
	Close() error

	ResolveUsername(ctx context.Context, username string) (*Chat, error)
	ResolveInvite(ctx context.Context, slug string) (*Chat, error)
	GetChat(ctx context.Context, id int64) (*Chat, error)
	// CanPost reports whether the current account may post to the chat.
	CanPost(ctx context.Context, id int64) (bool, error)

	GetMessages(ctx context.Context, chat int64, ids []int) ([]*Message, error)
	// GetHistory returns up to limit messages older than offsetID
	// (newest first), bounded by minID/maxID when non-zero.
	GetHistory(ctx context.Context, chat int64, offsetID, minID, maxID, limit int) ([]*Message, error)
	// GetMediaGroup returns all members of the album the message
	// belongs to, ordered by ascending message ID.
	GetMediaGroup(ctx context.Context, chat int64, msgID int) ([]*Message, error)

	SendText(ctx context.Context, chat int64, text string) (int, error)
	SendFile(ctx context.Context, chat int64, file OutgoingFile) (int, error)
	// SendAlbum sends all files as one media group and returns the
	// assigned message IDs in input order.
	SendAlbum(ctx context.Context, chat int64, files []OutgoingFile) ([]int, error)

	// ForwardMessages server-side forwards, preserving authorship.
	ForwardMessages(ctx context.Context, from, to int64, ids []int) ([]int, error)
	// CopyMessages server-side copies (forward with dropped author).
	// removeCaptions additionally strips media captions.
	CopyMessages(ctx context.Context, from, to int64, ids []int, removeCaptions bool) ([]int, error)

	// Download streams the message's media to path and returns the
	// byte count written.
	Download(ctx context.Context, msg *Message, path string) (int64, error)
}
