package parsers

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-mbox"
	"golang.org/x/text/encoding/htmlindex"

	"ledger-reconciler/pkg/errors"
)

// LoadStatementHTML returns the HTML documents of a statement e-mail, already
// decoded to UTF-8. path may be a single message (.eml), an mbox archive of
// statement messages, or an HTML file saved from the mail client.
func (bp *BaseParser) LoadStatementHTML(path string) ([]string, error) {
	raw, err := bp.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch {
	case isHTMLFile(path, raw):
		doc, err := bp.Decode(raw, path)
		if err != nil {
			return nil, err
		}
		return []string{string(doc)}, nil
	case bytes.HasPrefix(raw, []byte("From ")):
		return bp.htmlFromMbox(raw, path)
	default:
		docs, err := htmlFromMessage(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "message", "", err).
				WithSuggestion("save the statement e-mail as .eml, .mbox or .html")
		}
		return docs, nil
	}
}

func isHTMLFile(path string, raw []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(raw[:min(len(raw), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func (bp *BaseParser) htmlFromMbox(raw []byte, path string) ([]string, error) {
	r := mbox.NewReader(bytes.NewReader(raw))
	var docs []string
	for n := 0; ; n++ {
		msg, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "mbox", "", err)
		}
		found, err := htmlFromMessage(msg)
		if err != nil {
			bp.logger.WithError(err).WithField("message", n).Warn("Skipping unreadable message in mbox")
			continue
		}
		docs = append(docs, found...)
	}
	return docs, nil
}

// htmlFromMessage collects every text/html part of a MIME message,
// including HTML attachments.
func htmlFromMessage(r io.Reader) ([]string, error) {
	msg, err := mail.ReadMessage(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	var docs []string
	err = walkPart(msg.Header, msg.Body, &docs)
	return docs, err
}

type header interface {
	Get(key string) string
}

func walkPart(h header, body io.Reader, docs *[]string) error {
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := walkPart(part.Header, part, docs); err != nil {
				return err
			}
		}
	}

	if mediaType != "text/html" {
		return nil
	}

	data, err := io.ReadAll(transferDecoder(h.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return err
	}
	text, err := decodeCharset(data, params["charset"])
	if err != nil {
		return err
	}
	*docs = append(*docs, text)
	return nil
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// decodeCharset converts data from the named MIME charset into UTF-8.
func decodeCharset(data []byte, charset string) (string, error) {
	charset = strings.TrimSpace(charset)
	if charset == "" && !utf8.Valid(data) {
		charset = "gb18030"
	}
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return string(data), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s content: %w", charset, err)
	}
	return string(out), nil
}
