package alfred

import "context"

// Frontend abstracts the outbound side of the messaging channel.
// The inbound side publishes events on the [Bus] directly.
type Frontend interface {
	// Send sends a new message, returns the message ID for later editing.
	Send(ctx context.Context, chatID string, text string) (string, error)
	// SendFile sends a local file, classified by extension (photo, video,
	// audio, or document).
	SendFile(ctx context.Context, chatID string, path string, caption string) error
	// SendConfirmation asks a yes/no question with two buttons. The press
	// comes back as a normal inbound event carrying the chosen data string.
	SendConfirmation(ctx context.Context, chatID string, text, yesData, noData string) (string, error)
	// Edit updates an existing message.
	Edit(ctx context.Context, chatID string, msgID string, text string) error
	// SendTyping shows a typing indicator.
	SendTyping(ctx context.Context, chatID string) error
	// DownloadFile downloads a file by ID, returns data and filename.
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}
