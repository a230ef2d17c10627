package interp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kylemclaren/device-tasks/internal/driver"
	"github.com/kylemclaren/device-tasks/internal/script"
)

// execAction runs one action node including its validation and retry_step restarts.
// Each restart resolves the action again from scratch.
func (in *Interpreter) execAction(ctx context.Context, rc *RunContext, a *script.Action, env map[string]any) error {
	for restarts := 0; ; restarts++ {
		done, err := in.attemptAction(ctx, rc, a, env)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		switch a.Validate.OnFailure {
		case script.FailIgnore:
			rc.logf(ctx, "validation failed, ignored")
			return nil
		case script.FailRetryStep:
			if restarts >= MaxStepRetries {
				return fmt.Errorf("%w: %s after %d step retries", ErrValidationExhausted, a.Label(), MaxStepRetries)
			}
			rc.logf(ctx, "validation failed, retrying step (%d/%d)", restarts+1, MaxStepRetries)
		default:
			return fmt.Errorf("%w: %s", ErrValidationFailed, a.Label())
		}
	}
}

// attemptAction is one full cycle: resolve, perform (with inner retry), failure policy, validation.
// It returns done=false with a nil error only when validation did not hold.
func (in *Interpreter) attemptAction(ctx context.Context, rc *RunContext, a *script.Action, env map[string]any) (bool, error) {
	name := fmt.Sprint(script.Resolve(a.Action, env))
	params := script.ResolveParams(a.Params, env)

	perform := func() error { return in.perform(ctx, rc, name, params) }

	var err error
	if r := a.OnFailure.Retry; r != nil {
		err = in.withRetry(ctx, rc, *r, perform)
	} else {
		err = perform()
	}

	if err != nil {
		if isCanceled(ctx, err) {
			return false, err
		}
		if a.OnFailure.Ignore() {
			rc.logf(ctx, "action failed, ignored: %v", err)
			return true, nil
		}
		return false, err
	}

	if a.Validate == nil {
		return true, nil
	}
	return in.validate(ctx, rc, a.Validate, env)
}

// withRetry retries perform on ErrTargetNotFound only
func (in *Interpreter) withRetry(ctx context.Context, rc *RunContext, r script.RetryPolicy, perform func() error) error {
	attempts := r.Attempts()
	for i := 1; ; i++ {
		err := perform()
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrTargetNotFound) {
			return err
		}

		rc.logf(ctx, "action failed (attempt %d/%d): %v", i, attempts, err)
		if i >= attempts {
			return err
		}
		if err := in.sleepSeconds(ctx, rc, r.Delay); err != nil {
			return err
		}
		if err := rc.check(ctx); err != nil {
			return err
		}
	}
}

// validate polls once per second until the condition holds or timeout seconds have passed
func (in *Interpreter) validate(ctx context.Context, rc *RunContext, v *script.Validation, env map[string]any) (bool, error) {
	if v.Type != script.ValidateImageExists {
		rc.logf(ctx, "warning: unknown validation type '%s'", v.Type)
		return false, nil
	}

	tmpl := driver.NewTemplate(in.AssetsDir, script.Resolve(v.Target, env))
	rc.logf(ctx, "validating: %s %s (timeout %gs)", v.Type, tmpl.Name(), v.Timeout)

	for elapsed := 0; ; elapsed++ {
		if err := rc.check(ctx); err != nil {
			return false, err
		}
		ok, err := rc.Session.Exists(ctx, tmpl)
		if err != nil {
			return false, fmt.Errorf("validation %s: %w", v.Type, err)
		}
		if ok {
			rc.logf(ctx, "validation passed")
			return true, nil
		}
		if float64(elapsed) >= v.Timeout {
			return false, nil
		}
		if err := in.Sleep(ctx, time.Second); err != nil {
			return false, err
		}
	}
}

// perform maps an action to exactly one device operation
func (in *Interpreter) perform(ctx context.Context, rc *RunContext, name string, params map[string]any) error {
	switch name {
	case "sleep":
		secs := 1.0
		if v, ok := params["duration"]; ok {
			n, err := toFloat(v)
			if err != nil {
				return fmt.Errorf("%w: sleep duration: %v", ErrInvalidParam, err)
			}
			secs = n
		}
		return in.sleepSeconds(ctx, rc, secs)

	case "touch":
		target, ok := params["target"]
		if !ok {
			return fmt.Errorf("%w: touch requires target", ErrInvalidParam)
		}
		return rc.Session.Touch(ctx, driver.NewTemplate(in.AssetsDir, target))

	case "swipe":
		from, err := driver.PointFrom(params["start"])
		if err != nil {
			return fmt.Errorf("%w: swipe start: %v", ErrInvalidParam, err)
		}
		to, err := driver.PointFrom(params["end"])
		if err != nil {
			return fmt.Errorf("%w: swipe end: %v", ErrInvalidParam, err)
		}
		return rc.Session.Swipe(ctx, from, to)

	case "text":
		content, ok := params["content"]
		if !ok {
			content = params["text"]
		}
		if content == nil {
			content = ""
		}
		return rc.Session.InputText(ctx, fmt.Sprint(content))

	case "snapshot":
		return in.snapshot(ctx, rc, params)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
}

func (in *Interpreter) snapshot(ctx context.Context, rc *RunContext, params map[string]any) error {
	filename := fmt.Sprintf("snapshot_%d.png", in.Now().Unix())
	if v, ok := params["filename"]; ok && v != nil && fmt.Sprint(v) != "" {
		filename = filepath.Base(fmt.Sprint(v))
	}

	rel := path.Join("task_logs", strconv.FormatInt(rc.TaskID, 10), filename)
	if err := rc.Session.Snapshot(ctx, filepath.Join(rc.MediaRoot, filepath.FromSlash(rel))); err != nil {
		return err
	}
	return rc.Log.SetScreenshot(ctx, rel)
}

// sleepSeconds sleeps in one-second increments, checking cancellation before each,
// then sleeps the fractional remainder
func (in *Interpreter) sleepSeconds(ctx context.Context, rc *RunContext, secs float64) error {
	if secs <= 0 || math.IsNaN(secs) {
		return nil
	}
	whole := int(secs)
	for i := 0; i < whole; i++ {
		if err := rc.check(ctx); err != nil {
			return err
		}
		if err := in.Sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	if frac := secs - float64(whole); frac > 0 {
		if err := rc.check(ctx); err != nil {
			return err
		}
		return in.Sleep(ctx, time.Duration(frac*float64(time.Second)))
	}
	return nil
}

func isCanceled(ctx context.Context, err error) bool {
	return IsCanceled(err) || ctx.Err() != nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
