package supervisor

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
)

// Tail copies the log file of name to w. With follow it keeps waiting for new
// lines, surviving log rotation, until ctx is done.
func (c *Client) Tail(ctx context.Context, name string, follow bool, w io.Writer) error {
	path := c.LogFile(name)
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log for %s: %w", name, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				t.Stop()
				return err
			}
		}
	}
}
