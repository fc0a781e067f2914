package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxParagraphRunes = 1800
	maxPageBlocks     = 100
)

// ImageUploader は画像をNotionへ送り、アップロードIDを返す
type ImageUploader interface {
	UploadImage(ctx context.Context, token string, data []byte, filename string) (string, error)
}

// ContentTranslator はノートのスナップショットをNotionの子ブロック列に変換する
type ContentTranslator struct {
	uploader      ImageUploader
	imageFilename func() string
}

func NewContentTranslator(uploader ImageUploader) *ContentTranslator {
	return &ContentTranslator{
		uploader: uploader,
		imageFilename: func() string {
			return fmt.Sprintf("notsy-image-%s.png", uuid.NewString())
		},
	}
}

// Segments はリッチ文書を出現順のテキストと画像に分割する
// 文書が空・解析不能・断片なしの場合はプレーンテキスト1件にフォールバックする
func (t *ContentTranslator) Segments(note NoteSnapshot) []ContentSegment {
	doc, err := parseRichDocument(note.RichContent)
	if err != nil {
		return []ContentSegment{TextSegment(note.PlainText)}
	}
	walker := &segmentWalker{}
	segments := walker.walk(doc)
	if len(segments) == 0 {
		return []ContentSegment{TextSegment(note.PlainText)}
	}
	return segments
}

// BuildBlocks は断片を順にブロックへ変換する
// 上限の100ブロックを超えた分は捨て、上限以降の画像はアップロードしない
func (t *ContentTranslator) BuildBlocks(ctx context.Context, note NoteSnapshot, token string) ([]Block, error) {
	blocks := make([]Block, 0)
	for _, segment := range t.Segments(note) {
		switch segment.Kind {
		case SegmentText:
			blocks = appendParagraphs(blocks, segment.Text)
		case SegmentImage:
			uploadID, err := t.uploader.UploadImage(ctx, token, segment.Image, t.imageFilename())
			if err != nil {
				return nil, fmt.Errorf("failed to upload image: %w", err)
			}
			blocks = append(blocks, ImageBlockOf(uploadID))
		}
		if len(blocks) >= maxPageBlocks {
			break
		}
	}
	return blocks, nil
}

func appendParagraphs(blocks []Block, text string) []Block {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return blocks
	}
	for _, line := range splitLines(normalized) {
		for _, chunk := range chunkRunes(line, maxParagraphRunes) {
			blocks = append(blocks, ParagraphBlockOf(chunk))
			if len(blocks) >= maxPageBlocks {
				return blocks
			}
		}
	}
	return blocks
}

var lineBreakReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\u2028", "\n",
	"\u2029", "\n",
	"\u0085", "\n",
)

func splitLines(text string) []string {
	return strings.Split(lineBreakReplacer.Replace(text), "\n")
}

// chunkRunes は長い行を上限文字数ごとに分ける。空行は空白1文字の段落にする
func chunkRunes(line string, limit int) []string {
	if line == "" {
		return []string{" "}
	}
	runes := []rune(line)
	if len(runes) <= limit {
		return []string{line}
	}
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
