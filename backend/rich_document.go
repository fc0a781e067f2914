package backend

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"
)

// エディタのチェックリスト行の先頭記号
const (
	checklistOpenGlyph = "○ "
	checklistDoneGlyph = "◉ "
)

// 改行として扱う文字
const lineBreakChars = "\r\n\u2028\u2029"

var errEmptyDocument = errors.New("empty rich document")

// エディタが保存するデルタ形式の文書
// {"ops":[{"insert":"text","attributes":{...}}, {"insert":{"image":"data:..."}}]}
type richDocument struct {
	Ops []richOp `json:"ops"`
}

type richOp struct {
	Insert     json.RawMessage        `json:"insert"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type richEmbed struct {
	Image string `json:"image"`
}

func parseRichDocument(data []byte) (*richDocument, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyDocument
	}
	var doc richDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Ops) == 0 {
		return nil, errEmptyDocument
	}
	return &doc, nil
}

// segmentWalker は文書を先頭から辿り、テキストと画像の断片に分ける
// 行属性は行末の改行に付くため、現在の行は確定前のバッファに保持する
type segmentWalker struct {
	text     strings.Builder
	line     strings.Builder
	segments []ContentSegment
}

func (w *segmentWalker) walk(doc *richDocument) []ContentSegment {
	for _, op := range doc.Ops {
		var text string
		if err := json.Unmarshal(op.Insert, &text); err == nil {
			w.addText(text, op.Attributes)
			continue
		}
		var embed richEmbed
		if err := json.Unmarshal(op.Insert, &embed); err != nil || embed.Image == "" {
			continue
		}
		w.flush()
		if data, err := imageToPNG(embed.Image); err == nil {
			w.segments = append(w.segments, ImageSegment(data))
		}
	}
	w.flush()
	return w.segments
}

func (w *segmentWalker) addText(text string, attrs map[string]interface{}) {
	parts := strings.Split(text, "\n")
	for i, part := range parts {
		w.line.WriteString(part)
		if i == len(parts)-1 {
			break
		}
		w.text.WriteString(checklistGlyph(attrs))
		w.text.WriteString(w.line.String())
		w.text.WriteString("\n")
		w.line.Reset()
	}
}

// flush は蓄積したテキストを断片として確定する（改行のみの場合は捨てる）
func (w *segmentWalker) flush() {
	buffered := w.text.String() + w.line.String()
	w.text.Reset()
	w.line.Reset()
	if strings.Trim(buffered, lineBreakChars) == "" {
		return
	}
	w.segments = append(w.segments, TextSegment(buffered))
}

func checklistGlyph(attrs map[string]interface{}) string {
	switch attrs["list"] {
	case "unchecked":
		return checklistOpenGlyph
	case "checked":
		return checklistDoneGlyph
	}
	return ""
}

// imageToPNG はデータURLの画像をPNGのバイト列に変換する
func imageToPNG(dataURL string) ([]byte, error) {
	header, encoded, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("unsupported image source")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if format == "png" {
		return raw, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
