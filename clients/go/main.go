// consult is a terminal client for consultation rooms.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/clients/go/consult"
)

var rootCmd = &cobra.Command{
	Use:   "consult",
	Short: "Chat, share media and call inside a consultation room",
	Long: `consult talks to the consultation backend: it lists and resolves
consultations, uploads media and joins a room's live channel for chat
and calls.`,
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room and chat interactively",
	Long: `Joins the room of --patient and --doctor (or --room) and reads commands
from stdin. Plain lines are sent as text. Commands:

  /file <path>         send an image, video or audio file
  /cancel <temp-id>    cancel an upload still in transfer
  /record              start a voice note
  /send                stop the voice note and send it
  /discard             discard the voice note
  /call                start a call
  /accept, /decline    answer an incoming call
  /hangup              end the call
  /mic on|off          toggle the microphone
  /camera on|off       toggle the camera
  /resolve             resolve the consultation
  /quit                leave`,
	RunE: runChat,
}

var consultationsCmd = &cobra.Command{
	Use:   "consultations",
	Short: "List your consultations",
	RunE:  runConsultations,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <room-id>",
	Short: "Resolve a consultation",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("url", "http://localhost:8080", "REST base URL")
	pf.String("ws", "", "WebSocket base URL (derived from --url when empty)")
	pf.String("token", "", "Bearer token")
	pf.String("user", "", "Your user id")
	pf.Bool("debug", false, "Verbose logging")
	for _, key := range []string{"url", "ws", "token", "user", "debug"} {
		cobra.CheckErr(viper.BindPFlag(key, pf.Lookup(key)))
	}

	chatCmd.Flags().String("patient", "", "Patient id")
	chatCmd.Flags().String("doctor", "", "Doctor id")
	chatCmd.Flags().String("room", "", "Room id (overrides --patient/--doctor)")
	chatCmd.Flags().String("audio-file", "", "Ogg/Opus file played as the microphone")
	chatCmd.Flags().Bool("video", false, "Send a video track in calls")

	consultationsCmd.Flags().String("status", "active", `"active" or "resolved"`)

	rootCmd.AddCommand(chatCmd, consultationsCmd, resolveCmd, uploadCmd)
}

func initConfig() {
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "consult"))
	}
	viper.SetConfigType("json")
	viper.SetConfigName("config")

	viper.SetEnvPrefix("consult")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Silently ignore missing config file
	_ = viper.ReadInConfig()
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if viper.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func newClient(log zerolog.Logger) *consult.Client {
	c := consult.NewClient(viper.GetString("url"), viper.GetString("token"))
	c.Logger = log
	return c
}

func wsEndpoint() string {
	if ws := viper.GetString("ws"); ws != "" {
		return ws
	}
	base := viper.GetString("url")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func runConsultations(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetString("status")
	list, err := newClient(newLogger()).Consultations(cmd.Context(), status)
	if err != nil {
		return err
	}
	for _, c := range list {
		name := c.PatientData.FirstName
		if name == "" {
			name = c.PatientData.Username
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-10s %-20s last: %s\n", c.ConsultationID, c.Status, name, c.LastMessageTime)
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	if err := newClient(newLogger()).Resolve(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", args[0])
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	src, err := consult.FileSource(args[0])
	if err != nil {
		return err
	}
	kind := consult.DetectMediaKind(src)
	res, err := newClient(newLogger()).Upload(cmd.Context(), src, kind, func(sent, total int64) {
		if total > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r%3d%%", sent*100/total)
		}
	})
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	roomID, _ := cmd.Flags().GetString("room")
	if roomID == "" {
		patient, _ := cmd.Flags().GetString("patient")
		doctor, _ := cmd.Flags().GetString("doctor")
		if patient == "" || doctor == "" {
			return fmt.Errorf("either --room or both --patient and --doctor are required")
		}
		roomID = consult.RoomID(patient, doctor)
	}
	user := viper.GetString("user")
	if user == "" {
		return fmt.Errorf("--user is required")
	}

	log := newLogger()
	client := newClient(log)
	audioFile, _ := cmd.Flags().GetString("audio-file")
	video, _ := cmd.Flags().GetBool("video")

	devices := &consult.SampleDevices{Logger: log}
	if audioFile != "" {
		devices.AudioFeed = consult.OggFeed(audioFile)
	}

	out := cmd.OutOrStdout()
	room := consult.NewRoom(consult.RoomConfig{
		Endpoint:    wsEndpoint(),
		RoomID:      roomID,
		Token:       viper.GetString("token"),
		LocalUserID: user,
		Uploader:    client,
		Resolver:    client,
		Devices:     devices,
		Peers:       &consult.PionFactory{Logger: log},
		Surface:     &printSurface{w: out},
		Video:       video,
		Logger:      log,
	})
	defer room.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := room.Maintain(ctx, consult.DefaultBackoff); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("room stopped")
		}
	}()

	r := newRenderer(out, user)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-room.Changes():
				r.render(room)
			}
		}
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	fmt.Fprintf(out, "Joined %s. Type /quit to leave.\n", roomID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, room, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func runLine(ctx context.Context, room *consult.Room, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, room.SendText(line)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch fields[0] {
	case "/quit":
		return true, nil
	case "/file":
		src, err := consult.FileSource(arg)
		if err != nil {
			return false, err
		}
		_, err = room.SendFile(src, "")
		return false, err
	case "/cancel":
		return false, room.CancelUpload(arg)
	case "/record":
		return false, room.StartRecording(ctx)
	case "/send":
		_, err := room.SendRecording()
		return false, err
	case "/discard":
		room.CancelRecording()
		return false, nil
	case "/call":
		return false, room.StartCall(ctx)
	case "/accept":
		return false, room.AcceptCall(ctx)
	case "/decline":
		return false, room.DeclineCall()
	case "/hangup":
		return false, room.EndCall()
	case "/mic":
		return false, room.SetMic(arg != "off")
	case "/camera":
		return false, room.SetCamera(arg != "off")
	case "/resolve":
		return false, room.Resolve(ctx)
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

// renderer prints each confirmed message once and upload progress as it moves.
type renderer struct {
	w        io.Writer
	user     string
	printed  map[consult.MessageKey]bool
	progress map[string]int
	phase    consult.CallPhase
}

func newRenderer(w io.Writer, user string) *renderer {
	return &renderer{
		w:        w,
		user:     user,
		printed:  make(map[consult.MessageKey]bool),
		progress: make(map[string]int),
		phase:    consult.PhaseIdle,
	}
}

func (r *renderer) render(room *consult.Room) {
	live := make(map[string]bool)
	for _, e := range room.Projection() {
		switch e.Kind {
		case consult.EntryPending:
			u := e.Upload
			live[u.TempID] = true
			if r.progress[u.TempID] != u.Progress {
				r.progress[u.TempID] = u.Progress
				fmt.Fprintf(r.w, "  [%s] %s %s %d%%\n", u.TempID, u.Name, u.Status, u.Progress)
			}
		default:
			m := e.Message
			key := m.Key()
			if r.printed[key] {
				continue
			}
			r.printed[key] = true
			r.printMessage(m)
		}
	}
	for id := range r.progress {
		if !live[id] {
			delete(r.progress, id)
		}
	}

	if s := room.Call(); s.Phase != r.phase {
		r.phase = s.Phase
		fmt.Fprintf(r.w, "  (call: %s)\n", s.Phase)
	}
}

func (r *renderer) printMessage(m *consult.Message) {
	ts := m.Timestamp.Local().Format("15:04:05")
	switch m.Kind {
	case consult.KindSystem, consult.KindCallRequest:
		fmt.Fprintf(r.w, "[%s] * %s\n", ts, m.Body)
		return
	}
	from := m.SenderID
	if from == r.user {
		from = "you"
	}
	if m.Attachment != nil {
		fmt.Fprintf(r.w, "[%s] %s: %s (%s %s)\n", ts, from, m.Body, m.Attachment.MediaKind, m.Attachment.URL)
		return
	}
	fmt.Fprintf(r.w, "[%s] %s: %s\n", ts, from, m.Body)
}

type printSurface struct {
	w io.Writer
}

func (s *printSurface) Attach(t consult.RemoteTrack) {
	fmt.Fprintf(s.w, "  (receiving %s: %s)\n", t.Kind, t.Codec)
}

func (s *printSurface) Detach() {
	fmt.Fprintln(s.w, "  (remote media gone)")
}
