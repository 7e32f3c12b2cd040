package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/chromedp"
)

// ChromeBrowser launches a separate Chrome process for every page it opens,
// so closing the page tears the whole session down.
type ChromeBrowser struct {
	allocCtx context.Context
	cancel   context.CancelFunc
}

var _ Browser = (*ChromeBrowser)(nil)

func NewChromeBrowser(ctx context.Context, headless bool) *ChromeBrowser {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.WindowSize(1280, 900),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &ChromeBrowser{allocCtx: allocCtx, cancel: cancel}
}

func (b *ChromeBrowser) Open(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.allocCtx)
	// the first Run starts the browser and must use the tab context itself
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, err
	}
	return &chromePage{tab: tabCtx, cancel: cancel}, nil
}

// Close releases the allocator.
func (b *ChromeBrowser) Close() { b.cancel() }

type chromePage struct {
	tab    context.Context
	cancel context.CancelFunc
	marks  atomic.Int64
	once   sync.Once
}

// run executes actions in the tab, aborting when ctx ends without closing
// the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

const markScript = `(function(sel, label, mark) {
  var el = null;
  if (label) {
    var re = new RegExp(label, 'i');
    var labels = document.querySelectorAll('label');
    for (var i = 0; i < labels.length && !el; i++) {
      var l = labels[i];
      if (!re.test((l.textContent || '').replace(/\s+/g, ' ').trim())) continue;
      el = l.control || (l.htmlFor && document.getElementById(l.htmlFor)) || l.querySelector('input, textarea, select');
    }
  } else {
    el = document.querySelector(sel);
  }
  if (!el) return false;
  el.setAttribute('data-apptsched', mark);
  return true;
})(%s, %s, %s)`

const clickScript = `(function(sel, text) {
  var re = text ? new RegExp(text, 'i') : null;
  var els = document.querySelectorAll(sel);
  for (var i = 0; i < els.length; i++) {
    var el = els[i];
    if (re && !re.test((el.textContent || '').replace(/\s+/g, ' ').trim())) continue;
    el.scrollIntoView({block: 'center'});
    el.click();
    return true;
  }
  return false;
})(%s, %s)`

func jsArgs(args ...string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		b, _ := json.Marshal(a)
		out[i] = string(b)
	}
	return out
}

func (p *chromePage) Fill(ctx context.Context, t Target, value string) error {
	mark := fmt.Sprintf("f%d", p.marks.Add(1))
	var ok bool
	script := fmt.Sprintf(markScript, jsArgs(t.Selector, t.Label, mark)...)
	if err := p.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNoMatch
	}
	sel := fmt.Sprintf(`[data-apptsched=%q]`, mark)
	return p.run(ctx,
		chromedp.SetValue(sel, "", chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, c Control) error {
	var ok bool
	script := fmt.Sprintf(clickScript, jsArgs(c.Selector, c.Text)...)
	if err := p.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNoMatch
	}
	return nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 80))
	return buf, err
}

func (p *chromePage) Close() error {
	p.once.Do(p.cancel)
	return nil
}
