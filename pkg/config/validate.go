package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var blockIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// newValidator returns a validator that reports yaml field names and knows
// the blockid tag.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("blockid", func(fl validator.FieldLevel) bool {
		return blockIDPattern.MatchString(fl.Field().String())
	})
	return v
}

var validate = newValidator()

// Validate checks field constraints and the references between blocks,
// links and the output. All problems are returned as ValidationErrors.
func (f *File) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate workflow: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    f.Path,
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{File: f.Path, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]int, len(f.Blocks))
	for i := range f.Blocks {
		b := &f.Blocks[i]
		path := fmt.Sprintf("blocks[%d]", i)
		if b.ID == "" {
			add(path+".id", "is required")
		} else if prev, dup := ids[b.ID]; dup {
			add(path+".id", "duplicate block id %q (first declared at blocks[%d])", b.ID, prev)
		} else {
			ids[b.ID] = i
		}
		checkBlock(b, path, add)
	}

	checkEndpoint := func(path string, ep Endpoint) {
		switch {
		case ep.IsZero():
			add(path, "is required")
		case ep.Inline != nil:
			if ep.Inline.ID != "" {
				add(path+".id", "inline blocks cannot declare an id, add %q to blocks instead", ep.Inline.ID)
			}
			checkBlock(ep.Inline, path, add)
		default:
			if _, ok := ids[ep.Ref]; !ok {
				add(path, "unknown block %q", ep.Ref)
			}
		}
	}
	for i, l := range f.Links {
		checkEndpoint(fmt.Sprintf("links[%d].from", i), l.From)
		checkEndpoint(fmt.Sprintf("links[%d].to", i), l.To)
	}
	for i, l := range f.Errors {
		checkEndpoint(fmt.Sprintf("errors[%d].from", i), l.From)
		checkEndpoint(fmt.Sprintf("errors[%d].to", i), l.To)
	}

	if f.Output != "" {
		if _, ok := ids[f.Output]; !ok {
			add("output", "unknown block %q", f.Output)
		}
	}

	if len(f.Blocks) == 0 && len(f.Links) == 0 {
		add("blocks", "workflow has no blocks")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkBlock(b *BlockSpec, path string, add func(path, format string, args ...interface{})) {
	if b.Workflow != "" && b.Type != childWorkflowType {
		add(path+".workflow", "only %s blocks can include a workflow", childWorkflowType)
	}
	if b.Workflow != "" && b.Config != nil {
		if _, ok := b.Config["definition"]; ok {
			add(path+".config.definition", "conflicts with workflow")
		}
	}
}

// fieldPath strips the root type from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ReplaceAll(ns, ".Inline", "")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "blockid":
		return fmt.Sprintf("%q is not a valid block id (letters, digits, '_', '-', '.')", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
