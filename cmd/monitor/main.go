package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"wavecrew/internal/domain"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	actor := flag.String("actor", firstNonEmpty(os.Getenv("USER"), "operator"), "name recorded on review actions")
	embedded := flag.Bool("embedded", false, "start orchestrator serve for the monitor's lifetime")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	projectsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	projectsTable.SetTitle("Projects (Enter inspect)").SetBorder(true)

	wavesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	wavesView.SetTitle("Waves").SetBorder(true)

	reviewsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	reviewsView.SetTitle("Review requests").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	notesInput := tview.NewInputField().
		SetLabel("Review notes: ")
	notesInput.SetBorder(true).SetTitle("Ctrl+A approve  Ctrl+X reject  Ctrl+F retry autofix  Ctrl+E request changes  Ctrl+U resume")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | actor=%s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus notes, Ctrl+P focus projects",
		c.baseURL,
		*actor,
	))

	rightTop := tview.NewFlex().
		AddItem(wavesView, 0, 3, false).
		AddItem(reviewsView, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(projectsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(notesInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	var (
		selectedID     string
		lastProjects   []projectView
		lastReviews    []domain.ReviewRequest
		detailsVersion uint64
	)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshProjects := func() {
		projects, err := c.listProjects()
		if err != nil {
			app.QueueUpdateDraw(func() {
				projectsTable.Clear()
				projectsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(projects, func(i, j int) bool {
			return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
		})
		lastProjects = projects
		app.QueueUpdateDraw(func() {
			renderProjectsTable(projectsTable, projects, selectedID)
		})
	}

	refreshDetailsAsync := func(projectID string) {
		if strings.TrimSpace(projectID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			waves, wavesErr := c.listWaves(selected)
			tasks, tasksErr := c.listTasks(selected)
			reviews, reviewsErr := c.listReviews(selected)
			decisions, decisionsErr := c.listDecisions(selected, 200)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedID {
					return
				}
				switch {
				case wavesErr != nil:
					wavesView.SetText(fmt.Sprintf("error: %v", wavesErr))
				case tasksErr != nil:
					wavesView.SetText(fmt.Sprintf("error: %v", tasksErr))
				default:
					wavesView.SetText(renderWaves(waves, tasks) + "\n" + renderPending(tasks))
				}
				if reviewsErr != nil {
					reviewsView.SetText(fmt.Sprintf("error: %v", reviewsErr))
				} else {
					lastReviews = reviews
					reviewsView.SetText(renderReviews(reviews))
				}
				if decisionsErr != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionsErr))
				} else {
					decisionsView.SetText(renderDecisions(decisions))
				}
			})
		}(projectID, version)
	}

	act := func(action domain.ReviewAction) {
		review, ok := activeReview(lastReviews)
		if selectedID == "" || !ok {
			setStatusUI("No open review request for the selected project")
			return
		}
		notes := strings.TrimSpace(notesInput.GetText())
		notesInput.SetText("")
		setStatusUI(fmt.Sprintf("Sending %s for wave %d...", action, review.WaveNumber))
		go func(projectID string, wave int) {
			res, err := c.reviewAction(projectID, wave, action, *actor, notes)
			if err != nil {
				setStatusAsync(fmt.Sprintf("%s failed: %v", action, err))
				return
			}
			msg := fmt.Sprintf("%s applied: review=%s wave=%s phase=%s", action, res.Request.Status, res.WaveStatus, res.Phase)
			if res.FollowUpError != "" {
				msg += " | follow-up: " + res.FollowUpError
			}
			setStatusAsync(msg)
			refreshProjects()
			refreshDetailsAsync(projectID)
		}(selectedID, review.WaveNumber)
	}

	projectsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastProjects) {
			return
		}
		selectedID = lastProjects[row-1].ID
		refreshDetailsAsync(selectedID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshProjects()
			refreshDetailsAsync(selectedID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(notesInput)
			setStatusUI("Focus -> notes")
			return nil
		case tcell.KeyCtrlP, tcell.KeyEscape:
			app.SetFocus(projectsTable)
			setStatusUI("Focus -> projects")
			return nil
		case tcell.KeyCtrlA:
			act(domain.ReviewActionApprove)
			return nil
		case tcell.KeyCtrlX:
			act(domain.ReviewActionReject)
			return nil
		case tcell.KeyCtrlF:
			act(domain.ReviewActionRetryAutofix)
			return nil
		case tcell.KeyCtrlE:
			act(domain.ReviewActionRequestChanges)
			return nil
		case tcell.KeyCtrlU:
			if selectedID == "" {
				return nil
			}
			go func(projectID string) {
				if err := c.resume(projectID); err != nil {
					setStatusAsync("Resume failed: " + err.Error())
					return
				}
				setStatusAsync("Resumed " + shortID(projectID))
				refreshDetailsAsync(projectID)
			}(selectedID)
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshProjects()
		for _, p := range lastProjects {
			if p.HumanReviewRequired || p.Phase == domain.PhaseWaveExecution {
				selectedID = p.ID
				break
			}
		}
		if selectedID != "" {
			refreshDetailsAsync(selectedID)
		}

		for range ticker.C {
			refreshProjects()
			if selectedID == "" && len(lastProjects) > 0 {
				selectedID = lastProjects[0].ID
			}
			refreshDetailsAsync(selectedID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(projectsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"serve", "--addr", ":" + port, "--db", dbPath, "--workspace", workspaceRoot}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
