package llm

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

const captionSystem = "You are an expert figure captioner. Describe the image in one concise sentence. " +
	"No preface, no meta commentary, no markdown."

// Caption produces a one-sentence caption for an image blob via a multimodal
// chat message. Best-effort: any failure returns "".
func (c *Client) Caption(ctx context.Context, image []byte) string {
	if c == nil || !c.hasKey || len(image) == 0 {
		return ""
	}
	mime := http.DetectContentType(image)
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.smallModel,
		MaxTokens: 96,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: captionSystem},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Caption this image."},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		log.Printf("Caption failed: %v", err)
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return NormalizeReply(resp.Choices[0].Message.Content)
}
