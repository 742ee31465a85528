package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/orchestrator"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/router"
)

var (
	chatSession   string
	chatUserState string
	chatUser      string
	chatConsent   bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session ID (random when empty)")
	chatCmd.Flags().StringVar(&chatUserState, "user-state", string(gate.UserRegistered), "guest or registered")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "User ID that long-term corrections are kept for")
	chatCmd.Flags().BoolVar(&chatConsent, "remember", false, "Consent to keeping corrections across sessions")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive turn loop against the configured backends",
	Long: "Reads one message per line and runs it through the full pipeline.\n" +
		"Enter '!handoff' or '!explain' on its own line to report a click on the previous answer.\n" +
		"Rate the previous answer with '!up' or '!down [correction]'.\n" +
		"Type 'quit' or 'exit' to leave.",
	RunE: runChat,
}

// #region chat
func runChat(cmd *cobra.Command, args []string) error {
	userState := gate.ParseUserState(chatUserState)
	if string(userState) != strings.ToLower(strings.TrimSpace(chatUserState)) {
		return fmt.Errorf("unknown user state %q: want guest or registered", chatUserState)
	}
	sessionID := chatSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	orch, err := rt.orchestrator()
	if err != nil {
		return fmt.Errorf("wire pipeline: %w", err)
	}
	defer orch.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Turn governor ready.")
	fmt.Fprintf(out, "  DB: %s | Backend: %s | Session: %s\n", cfg.DBPath, cfg.BackendAddr, sessionID)
	fmt.Fprintln(out, "Type a message (or 'quit' to exit):")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	var history []router.Message
	var handoff, explain bool
	var lastRequest string

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return scanner.Err()
		case "!handoff":
			handoff = true
			continue
		case "!explain":
			explain = true
			continue
		}
		if line == "!up" || line == "!down" || strings.HasPrefix(line, "!down ") {
			rateAnswer(cmd, orch, sessionID, lastRequest, line)
			continue
		}

		res, err := orch.ProcessTurn(cmd.Context(), orchestrator.TurnRequest{
			SessionID:      sessionID,
			UserID:         chatUser,
			UserState:      userState,
			Message:        line,
			History:        history,
			HandoffClicked: handoff,
			ExplainClicked: explain,
		})
		handoff, explain = false, false
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "turn error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\n%s\n\n", res.Reply)
		lastRequest = res.Request.RequestID

		history = append(history,
			router.Message{Role: "user", Content: line},
			router.Message{Role: "assistant", Content: res.Reply})

		// Scoring finishes in the background; wait so the status line reflects it.
		orch.Wait()
		route := "blocked:" + res.Policy.ReasonCode
		if res.Route != nil {
			route = string(res.Route.Intent)
		}
		st, err := orch.Sessions().Get(cmd.Context(), sessionID)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "session read error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[turn-%d] route=%s weights=%s phase=%s fallback=%t\n",
			st.TurnIndex, route, res.WeightsLabel, st.Phase, res.Fallback)
	}
	return scanner.Err()
}

func rateAnswer(cmd *cobra.Command, orch *orchestrator.Orchestrator, sessionID, requestID, line string) {
	if requestID == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "nothing to rate yet")
		return
	}
	typ := quality.FeedbackUp
	correction := ""
	if strings.HasPrefix(line, "!down") {
		typ = quality.FeedbackDown
		correction = strings.TrimSpace(strings.TrimPrefix(line, "!down"))
	}
	res, err := orch.RecordFeedback(cmd.Context(), orchestrator.FeedbackRequest{
		SessionID:       sessionID,
		RequestID:       requestID,
		UserID:          chatUser,
		Type:            typ,
		Correction:      correction,
		ConsentLongTerm: chatConsent,
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "feedback error: %v\n", err)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[feedback] %s recorded learning=%t session_memory=%t long_term=%t\n",
		typ, res.LearningAllowed, res.SessionMemory, res.LongTermMemory)
}

// #endregion chat
