// Command chattail follows one conversation from the terminal: it prints the
// recent history, then every message, edit and appointment update as it
// arrives. With -send it posts one message first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/client/rest"
	"github.com/fathima-sithara/counsel-realtime/internal/client/transport"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/logger"
	"github.com/fathima-sithara/counsel-realtime/internal/session"
)

func main() {
	server := flag.String("server", "http://localhost:8086", "realtime service base url")
	token := flag.String("token", os.Getenv("REALTIME_TOKEN"), "bearer token")
	conversation := flag.String("conversation", "", "conversation id")
	participant := flag.String("participant", "", "your participant id")
	send := flag.String("send", "", "send this text before following")
	limit := flag.Int("limit", 50, "history size")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *conversation == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	lg, err := logger.New("dev", level)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := rest.New(*server, *token, rest.Options{}, lg)
	tr := transport.New(wsURL(*server), *token, transport.Options{}, lg)

	out := &printer{seen: map[string]bool{}}
	var s *session.Session
	s = session.New(api, tr, session.Config{
		ConversationID: *conversation,
		ParticipantID:  *participant,
		HistoryLimit:   *limit,
		OwnsTransport:  true,
		OnWarning: func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		},
		OnAppointment: func(ev domain.Event) {
			fmt.Println(describeAppointment(ev))
		},
		OnChange: func() { out.print(s.Messages()) },
	}, lg)
	defer func() { _ = s.Close() }()

	if err := s.Open(ctx); err != nil {
		lg.Fatal("open conversation", zap.Error(err))
	}
	if *send != "" {
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := s.Send(sctx, domain.Draft{Text: *send}, nil)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "! send: %v\n", err)
		}
	}

	<-ctx.Done()
}

// printer writes each message once, and again after every edit.
type printer struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (p *printer) print(msgs []*domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		key := m.ID
		if m.Edited {
			key += "#" + m.Text
		}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		fmt.Println(formatMessage(m))
	}
}

func wsURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func formatMessage(m *domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Text)
	if m.Edited {
		b.WriteString(" (edited)")
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n    + %s (%s, %d bytes)", a.OriginalName, a.MimeType, a.Size)
	}
	return b.String()
}

func describeAppointment(ev domain.Event) string {
	switch e := ev.(type) {
	case domain.AppointmentStatusEvent:
		return fmt.Sprintf("* appointment %s is now %s", e.Appointment.ID, e.Appointment.Status)
	case domain.RescheduleProposedEvent:
		return fmt.Sprintf("* reschedule proposed for appointment %s", e.Appointment.ID)
	case domain.RescheduleRespondedEvent:
		if r := e.Appointment.Reschedule; r != nil {
			return fmt.Sprintf("* reschedule %s for appointment %s", r.Status, e.Appointment.ID)
		}
		return fmt.Sprintf("* reschedule answered for appointment %s", e.Appointment.ID)
	default:
		return fmt.Sprintf("* %s", ev.Kind())
	}
}
