// Package autodraw reconciles a target plan against the live canvas,
// issuing the minimal ordered set of corrective writes through the
// rate-gated client until the region matches.
package autodraw

import (
	"context"
	"fmt"
	"image"
	"time"

	"pixeldraw/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Painter is the slice of the canvas client a drawer needs.
type Painter interface {
	GetCanvas(ctx context.Context) (*core.Canvas, error)
	PutPixel(ctx context.Context, p core.Point, c core.Color) error
}

// Mismatch pairs a canvas cell with the color the plan wants there.
type Mismatch struct {
	Pixel core.Point
	Want  core.Color
	Got   core.Color
}

// Option tunes a drawer during construction.
type Option func(*Drawer)

// WithPollInterval sets how long a forever draw sleeps after finding the
// whole region correct before checking again. Default one second.
func WithPollInterval(d time.Duration) Option {
	return func(dr *Drawer) {
		if d > 0 {
			dr.poll = d
		}
	}
}

// WithRediffEvery sets how many corrective writes Draw may issue from one
// snapshot before refetching the canvas. The default of 1 refetches after
// every write, so the drawer never acts on state more than one write stale;
// raising it trades freshness for fewer full-canvas fetches.
func WithRediffEvery(n int) Option {
	return func(dr *Drawer) {
		if n > 0 {
			dr.rediffEvery = n
		}
	}
}

// WithProgress installs a callback invoked after every corrective write
// with the total writes so far and the mismatches left in the current diff.
func WithProgress(fn func(written, remaining int)) Option {
	return func(dr *Drawer) { dr.progress = fn }
}

// Drawer owns one plan and drives the canvas toward it. A drawer is not
// safe for concurrent use; run one goroutine per drawer and share the
// client's rate gate instead.
type Drawer struct {
	client      Painter
	plan        *core.DrawPlan
	poll        time.Duration
	rediffEvery int
	progress    func(written, remaining int)
	log         *logrus.Entry
}

// New builds a drawer for an already-validated plan.
func New(client Painter, plan *core.DrawPlan, opts ...Option) *Drawer {
	d := &Drawer{
		client:      client,
		plan:        plan,
		poll:        time.Second,
		rediffEvery: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.log = logrus.WithFields(logrus.Fields{
		"job":    ulid.Make().String(),
		"origin": plan.Origin.String(),
		"size":   fmt.Sprintf("%dx%d", plan.Width, plan.Height),
	})
	return d
}

// Load builds a drawer from plan text (see core.ParsePlan for the format).
// A malformed plan fails here, before anything is drawn.
func Load(client Painter, planText []byte, opts ...Option) (*Drawer, error) {
	plan, err := core.ParsePlan(planText)
	if err != nil {
		return nil, err
	}
	return New(client, plan, opts...), nil
}

// FromImage builds a drawer from a decoded image scaled by the given
// factor and anchored at origin.
func FromImage(client Painter, origin core.Point, img image.Image, scale float64, opts ...Option) (*Drawer, error) {
	plan, err := core.PlanFromImage(img, origin, scale)
	if err != nil {
		return nil, err
	}
	return New(client, plan, opts...), nil
}

// Plan returns the drawer's plan.
func (d *Drawer) Plan() *core.DrawPlan {
	return d.plan
}

// Diff compares the plan against a snapshot and returns the cells needing
// correction, in the plan's row-major order. The ordering is deterministic:
// the same plan and canvas always produce the same sequence. Cells falling
// outside the canvas are skipped.
func (d *Drawer) Diff(canvas *core.Canvas) []Mismatch {
	var out []Mismatch
	for i := 0; i < d.plan.Size(); i++ {
		p, want := d.plan.CellAt(i)
		got, err := canvas.At(p)
		if err != nil {
			continue
		}
		if got != want {
			out = append(out, Mismatch{Pixel: p, Want: want, Got: got})
		}
	}
	return out
}

// Draw fetches, diffs, and corrects until the plan region matches the
// canvas. A cell whose live color already equals its target is never
// written. With forever set, the drawer keeps watching after convergence,
// re-checking every poll interval until ctx is cancelled. Rate limiting is
// absorbed below this level; any other write error aborts the draw
// immediately rather than spinning on doomed requests.
func (d *Drawer) Draw(ctx context.Context, forever bool) error {
	written := 0
	clipWarned := false
	for {
		canvas, err := d.client.GetCanvas(ctx)
		if err != nil {
			return err
		}
		if !clipWarned {
			clipWarned = true
			d.warnClipped(canvas)
		}

		diff := d.Diff(canvas)
		if len(diff) == 0 {
			if !forever {
				d.log.WithField("writes", written).Info("Region matches plan")
				return nil
			}
			d.log.Debug("Region correct, waiting to re-check")
			if err := sleep(ctx, d.poll); err != nil {
				return err
			}
			continue
		}

		for i, m := range diff {
			if i >= d.rediffEvery {
				break
			}
			if err := d.client.PutPixel(ctx, m.Pixel, m.Want); err != nil {
				return err
			}
			written++
			if d.progress != nil {
				d.progress(written, len(diff)-i-1)
			}
		}
	}
}

// DrawAndFix behaves like Draw but restarts its scan from the top of the
// plan after every corrective write, so drift in cells drawn earlier is
// repaired before new ground is covered.
func (d *Drawer) DrawAndFix(ctx context.Context, forever bool) error {
	written := 0
	clipWarned := false
	for {
		canvas, err := d.client.GetCanvas(ctx)
		if err != nil {
			return err
		}
		if !clipWarned {
			clipWarned = true
			d.warnClipped(canvas)
		}

		diff := d.Diff(canvas)
		if len(diff) == 0 {
			if !forever {
				d.log.WithField("writes", written).Info("Region matches plan")
				return nil
			}
			d.log.Debug("Entire region correct, waiting to re-check")
			if err := sleep(ctx, d.poll); err != nil {
				return err
			}
			continue
		}

		m := diff[0]
		if err := d.client.PutPixel(ctx, m.Pixel, m.Want); err != nil {
			return err
		}
		written++
		if d.progress != nil {
			d.progress(written, len(diff)-1)
		}
	}
}

func (d *Drawer) warnClipped(canvas *core.Canvas) {
	clipped := 0
	for i := 0; i < d.plan.Size(); i++ {
		p, _ := d.plan.CellAt(i)
		if !canvas.In(p) {
			clipped++
		}
	}
	if clipped > 0 {
		d.log.WithField("cells", clipped).Warn("Plan extends beyond canvas, clipped cells are skipped")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
