package session

import (
	"context"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoMatch = errors.New("session: no matching element")

// Page is one browser tab. Implementations must make Close safe to call
// more than once.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	Fill(ctx context.Context, t Target, value string) error
	// Click presses the first element matching c, or returns ErrNoMatch.
	Click(ctx context.Context, c Control) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type Browser interface {
	Open(ctx context.Context) (Page, error)
}

func parse(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}
