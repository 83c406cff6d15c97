package corvus

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// MailFrom opens the mail transaction. An empty sender produces the
// null reverse-path used by bounce messages.
func (s *Session) MailFrom(sender string) error {
	if err := s.writeCommand("MAIL FROM:<%s>", sender); err != nil {
		return err
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("MAIL FROM rejected: %w", reply.Err())
	}
	return nil
}

// RcptTo announces one recipient. The reply is recorded independently
// per recipient so one rejection does not fail the others sharing the
// transaction.
func (s *Session) RcptTo(recipient string) error {
	if err := s.writeCommand("RCPT TO:<%s>", recipient); err != nil {
		return err
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("RCPT TO %s rejected: %w", recipient, reply.Err())
	}
	return nil
}

// Data transmits the message body with dot-stuffing (RFC 5321
// transparency) and bare-LF to CRLF normalization, then waits for the
// final reply.
func (s *Session) Data(body io.Reader) error {
	if err := s.writeCommand("DATA"); err != nil {
		return err
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsIntermediate() {
		return fmt.Errorf("DATA rejected: %w", replyOrUnexpected(reply))
	}

	s.conn.SetWriteDeadline(time.Now().Add(ConTimeout))
	if err := writeStuffed(s.writer, body); err != nil {
		return fmt.Errorf("send body: %w", err)
	}

	if _, err := s.writer.WriteString(".\r\n"); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	reply, err = s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("message rejected: %w", reply.Err())
	}
	return nil
}

// Reset aborts the current transaction, keeping the session usable.
func (s *Session) Reset() error {
	if err := s.writeCommand("RSET"); err != nil {
		return err
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	return reply.Err()
}

func replyOrUnexpected(r *Reply) error {
	if err := r.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: code %d", ErrUnexpectedResponse, r.Code)
}

// writeStuffed copies the message line by line, normalizing line
// endings to CRLF and doubling a leading dot per the transparency
// rule. A final partial line is terminated with CRLF. Exactly one
// terminator is stripped per line; interior CR bytes are data.
func writeStuffed(w *bufio.Writer, body io.Reader) error {
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if strings.HasPrefix(line, ".") {
				if err := w.WriteByte('.'); err != nil {
					return err
				}
			}
			if _, err := w.WriteString(line); err != nil {
				return err
			}
			if _, err := w.WriteString("\r\n"); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
