package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/centromex/photo-relay/internal/models"
)

const (
	callbackSendImage = "send_image"
	callbackHelp      = "help"
	callbackStatus    = "status"
)

const welcomeText = "🎨 *Welcome to Ghible Art Generator!* 🎨\n\n" +
	"Send me an image, and I'll transform it into a Ghibli-style artwork! 🌸\n\n" +
	"✨ *How It Works:* ✨\n" +
	"1️⃣ Send an image 📸\n" +
	"2️⃣ Wait for processing ⏳\n" +
	"3️⃣ Receive your Ghibli-style artwork! 🎨\n\n" +
	"Use the buttons below to get started! ⬇️"

const helpText = "Instructions:\n" +
	"1. Send an image to this bot.\n" +
	"2. Wait for processing.\n" +
	"3. Get your Ghibli-style art back! ✨\n\n" +
	"Commands:\n" +
	"/status - Check your latest request\n" +
	"/help - Show this help message"

const howToText = "ℹ️ *How to Use the Bot:*\n\n" +
	"1️⃣ Send me an image 📷\n" +
	"2️⃣ I'll process it manually ⏳\n" +
	"3️⃣ You'll receive a Ghibli-style artwork! 🎨"

const noRequestText = "No request found. Please send an image first."

func startKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📸 Send an Image", callbackSendImage)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("ℹ️ Help", callbackHelp)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Check Status", callbackStatus)),
	)
}

// FormatStatus renders the reply to /status
func FormatStatus(req *models.Request) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Status: %s\n", req.Status))
	sb.WriteString(fmt.Sprintf("Image: %s", req.SourceAssetRef))
	if req.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("\nCompleted: %s", req.CompletedAt.UTC().Format("2006-01-02 15:04 UTC")))
	}

	return sb.String()
}
