package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// Shell is the default driver referenced by the configuration file format:
// each CRUD verb is a shell command template containing a "%fk"
// placeholder. Documents cross the process boundary as JSON on
// stdin/stdout: create/update commands receive the Document JSON on stdin
// and, for create, print the newly minted foreign key on stdout; read
// commands print the Document JSON on stdout.
//
// A command's exit status classifies the outcome: exitNotFound means the
// record named by "%fk" does not exist (read/delete of a record the
// source has already dropped), anything else non-zero is an Unavailable
// failure eligible for retry. This mirrors read/delete commands against a
// real store, where "no such record" and "store unreachable" are distinct
// and must not be retried the same way.
type Shell struct {
	Create    string
	Read      string
	Update    string
	DeleteCmd string

	runner func(ctx context.Context, command string, stdin []byte) ([]byte, int, error)
}

// exitNotFound is the exit code a read/update/delete command template
// uses to report that "%fk" names no existing record, distinct from any
// other non-zero exit (treated as Unavailable). Documented alongside the
// command templates in the configuration file format.
const exitNotFound = 3

// NewShell builds a Shell driver from the {create,read,update,delete}
// command templates read from entities.<entity>.<source>.* configuration
// keys.
func NewShell(create, read, update, del string) *Shell {
	return &Shell{Create: create, Read: read, Update: update, DeleteCmd: del, runner: runShell}
}

func (s *Shell) Get(ctx context.Context, fk model.ForeignKey) (document.Document, error) {
	out, err := s.run(ctx, s.Read, fk, nil)
	if err != nil {
		return document.Document{}, err
	}
	var doc document.Document
	if err := json.Unmarshal(out, &doc); err != nil {
		return document.Document{}, errors.Wrapf(rerrors.ErrUnavailable, "shell driver: decode read output: %v", err)
	}
	return doc, nil
}

func (s *Shell) Set(ctx context.Context, doc document.Document, fk model.ForeignKey) (model.ForeignKey, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(rerrors.ErrInternal, "shell driver: encode document")
	}
	if fk == "" {
		out, err := s.run(ctx, s.Create, fk, payload)
		if err != nil {
			return "", err
		}
		return model.ForeignKey(strings.TrimSpace(string(out))), nil
	}
	if _, err := s.run(ctx, s.Update, fk, payload); err != nil {
		return "", err
	}
	return fk, nil
}

func (s *Shell) Delete(ctx context.Context, fk model.ForeignKey) error {
	_, err := s.run(ctx, s.DeleteCmd, fk, nil)
	if err != nil && !errors.Is(err, rerrors.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Shell) run(ctx context.Context, template string, fk model.ForeignKey, stdin []byte) ([]byte, error) {
	if template == "" {
		return nil, errors.Wrap(rerrors.ErrUnavailable, "shell driver: no command configured")
	}
	command := strings.ReplaceAll(template, "%fk", string(fk))
	out, code, err := s.runner(ctx, command, stdin)
	if err != nil {
		return nil, errors.Wrapf(rerrors.ErrUnavailable, "shell driver: %v", err)
	}
	switch code {
	case 0:
		return out, nil
	case exitNotFound:
		return nil, errors.Wrapf(rerrors.ErrNotFound, "shell driver: %q reported no record for %q", template, fk)
	default:
		return nil, errors.Wrapf(rerrors.ErrUnavailable, "shell driver: %q exited %d", template, code)
	}
}

// runShell runs command under /bin/sh -c and reports its exit code
// separately from err: err is non-nil only when the command could not be
// started or run at all (e.g. context cancellation), never merely because
// it exited non-zero.
func runShell(ctx context.Context, command string, stdin []byte) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, -1, err
	}
	return stdout.Bytes(), 0, nil
}
