package telegram_client

const (
	// Base URL; the bot token is part of every method path
	DefaultBaseURL = "https://api.telegram.org"

	// Methods
	SendMessageMethod = "sendMessage"
)
