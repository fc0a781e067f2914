package backend

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
)

// Notionの単一パートアップロードの上限
const maxImageUploadBytes = 20 * 1024 * 1024

type createUploadBody struct {
	Mode        string `json:"mode"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// UploadImage はPNG画像をアップロードし、画像ブロックで参照するアップロードIDを返す
// 作成 → 送信 → 状態確認のポーリング の3段階
func (c *NotionClient) UploadImage(ctx context.Context, token string, data []byte, filename string) (string, error) {
	if len(data) > maxImageUploadBytes {
		return "", ErrImageTooLarge
	}

	created, err := c.Request(ctx, http.MethodPost, "/v1/file_uploads", token, createUploadBody{
		Mode:        "single_part",
		Filename:    filename,
		ContentType: "image/png",
	}, notionUploadVersion)
	if err != nil {
		return "", err
	}
	uploadID, ok := created["id"].(string)
	if !ok || uploadID == "" {
		return "", invalidResponse("Missing file upload id")
	}

	if err := c.sendUpload(ctx, token, uploadID, data, filename); err != nil {
		return "", err
	}
	if err := c.waitUploadReady(ctx, token, uploadID); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (c *NotionClient) sendUpload(ctx context.Context, token, uploadID string, data []byte, filename string) error {
	endpoint, err := c.endpoint("/v1/file_uploads/" + url.PathEscape(uploadID) + "/send")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return invalidResponse("failed to build upload body: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		return invalidResponse("failed to build upload body: %v", err)
	}
	if err := writer.Close(); err != nil {
		return invalidResponse("failed to build upload body: %v", err)
	}
	payload := buf.Bytes()
	contentType := writer.FormDataContentType()

	_, err = c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", notionUploadVersion)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	return err
}

// waitUploadReady は status が uploaded になるまで一定間隔で確認する
func (c *NotionClient) waitUploadReady(ctx context.Context, token, uploadID string) error {
	path := "/v1/file_uploads/" + url.PathEscape(uploadID)
	for attempt := 0; attempt < c.uploadPollAttempts; attempt++ {
		resp, err := c.Request(ctx, http.MethodGet, path, token, nil, notionUploadVersion)
		if err != nil {
			return err
		}
		status, _ := resp["status"].(string)
		switch status {
		case "uploaded":
			return nil
		case "failed":
			return invalidResponse("%s", uploadFailureMessage(resp))
		}
		if attempt < c.uploadPollAttempts-1 {
			if err := sleepContext(ctx, c.uploadPollInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("file upload %s: %w", uploadID, ErrTimeout)
}

func uploadFailureMessage(resp map[string]interface{}) string {
	if result, ok := resp["file_import_result"].(map[string]interface{}); ok {
		if errInfo, ok := result["error"].(map[string]interface{}); ok {
			if message, ok := errInfo["message"].(string); ok && message != "" {
				return message
			}
		}
	}
	if message, ok := resp["message"].(string); ok && message != "" {
		return message
	}
	return "Notion file upload failed"
}
