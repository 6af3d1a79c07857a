package patch

import (
	"errors"
	"fmt"
	"strings"
)

// Check is a structural assertion on written content.
type Check interface {
	Name() string
	Verify(content string) error
}

// Contains asserts Marker is present.
type Contains struct {
	Label  string
	Marker string
}

func (c Contains) Name() string { return c.Label }

func (c Contains) Verify(content string) error {
	if !strings.Contains(content, c.Marker) {
		return fmt.Errorf("%s: %q not present", c.Label, c.Marker)
	}
	return nil
}

// Absent asserts Text no longer occurs.
type Absent struct {
	Label string
	Text  string
}

func (c Absent) Name() string { return c.Label }

func (c Absent) Verify(content string) error {
	if strings.Contains(content, c.Text) {
		return fmt.Errorf("%s: %q still present", c.Label, c.Text)
	}
	return nil
}

// After asserts the first occurrence of Marker comes after the first occurrence
// of Anchor. Presence alone is not enough: a marker in the wrong scope fails.
type After struct {
	Label  string
	Anchor string
	Marker string
}

func (c After) Name() string { return c.Label }

func (c After) Verify(content string) error {
	a := strings.Index(content, c.Anchor)
	if a < 0 {
		return fmt.Errorf("%s: anchor %q not present", c.Label, firstLine(c.Anchor))
	}
	m := strings.Index(content, c.Marker)
	if m < 0 {
		return fmt.Errorf("%s: %q not present", c.Label, c.Marker)
	}
	if m < a+len(c.Anchor) {
		return fmt.Errorf("%s: %q at offset %d precedes anchor end at %d", c.Label, c.Marker, m, a+len(c.Anchor))
	}
	return nil
}

// Verify runs every check and joins all failures into one ErrVerify.
func Verify(content string, checks []Check) error {
	var errs []error
	for _, c := range checks {
		if err := c.Verify(content); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return wrap(ErrVerify, "", errors.Join(errs...))
}
