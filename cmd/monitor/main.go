package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"orgrun/internal/domain"
	"orgrun/internal/graph"
	"orgrun/internal/patch"
	sqlitestore "orgrun/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "orgrun.db", "sqlite audit database to watch")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	eventLimit := flag.Int("events", 200, "events to show in the feed")
	flag.Parse()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	app := tview.NewApplication()

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (F5 refresh, F10 quit)").SetBorder(true)

	budgetView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	budgetView.SetTitle("Budget").SetBorder(true)

	orgView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	orgView.SetTitle("Organization").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Watching %s every %s", *dbPath, *interval))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(budgetView, 6, 0, false).
		AddItem(orgView, 0, 1, false).
		AddItem(eventsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 2, true).
		AddItem(right, 0, 3, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		recs, err := store.ListPatches(ctx)
		if err != nil {
			app.QueueUpdateDraw(func() {
				statusView.SetText(fmt.Sprintf("load error: %v", err))
			})
			return
		}
		g, err := patch.Replay(recs)
		if err != nil {
			app.QueueUpdateDraw(func() {
				statusView.SetText(fmt.Sprintf("replay error: %v", err))
			})
			return
		}
		evs, err := store.ListEvents(ctx, *eventLimit)
		if err != nil {
			app.QueueUpdateDraw(func() {
				statusView.SetText(fmt.Sprintf("load events: %v", err))
			})
			return
		}

		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, g)
			budgetView.SetText(renderBudget(g.Budget()))
			orgView.SetText(renderOrg(g))
			eventsView.SetText(renderEvents(evs))
			eventsView.ScrollToEnd()
			statusView.SetText(fmt.Sprintf(
				"Watching %s | %d patches | refreshed %s",
				*dbPath, len(recs), time.Now().Format("15:04:05"),
			))
		})
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10, tcell.KeyEscape:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		}
		if event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q') {
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderTasksTable(table *tview.Table, g *graph.Graph) {
	table.Clear()
	headers := []string{"Task", "Status", "Agent", "Prio", "Cost", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	tasks := g.Tasks()
	sort.SliceStable(tasks, func(i, j int) bool {
		return statusWeight(tasks[i].Status) < statusWeight(tasks[j].Status)
	})
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(shortID(t.AgentID)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", t.Priority)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("$%.2f", t.ActualCostUSD)))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Description, 56)))
	}
}

func statusWeight(s domain.TaskStatus) int {
	switch s {
	case domain.TaskStatusRunning:
		return 0
	case domain.TaskStatusPending:
		return 1
	case domain.TaskStatusFailed:
		return 2
	case domain.TaskStatusSkipped:
		return 3
	default:
		return 4
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusRunning:
		return tcell.ColorYellow
	case domain.TaskStatusDone:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	case domain.TaskStatusSkipped:
		return tcell.ColorGray
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderBudget(b domain.BudgetModel) string {
	var util float64
	if b.HardCapUSD > 0 {
		util = b.SpentUSD / b.HardCapUSD
	}
	return fmt.Sprintf(
		"spent  $%.2f of $%.2f hard ($%.2f soft)\nalert  %s\npolicy %s\n%s",
		b.SpentUSD, b.HardCapUSD, b.SoftCapUSD, b.Alert, b.Policy, gauge(util, 40),
	)
}

func gauge(frac float64, width int) string {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func renderOrg(g *graph.Graph) string {
	agents := g.Agents()
	if len(agents) == 0 {
		return "No organization yet"
	}
	var b strings.Builder
	for _, a := range agents {
		indent := strings.Repeat("  ", levelDepth(a.Level))
		b.WriteString(fmt.Sprintf("%s%s  [%s/%s]", indent, a.Role, a.Level, a.Tier))
		if a.Specialization != "" {
			b.WriteString("  " + a.Specialization)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func levelDepth(l domain.RoleLevel) int {
	switch l {
	case domain.LevelTop:
		return 0
	case domain.LevelDivision:
		return 1
	case domain.LevelTeam:
		return 2
	case domain.LevelSupervisor:
		return 3
	default:
		return 4
	}
}

func renderEvents(evs []domain.Event) string {
	if len(evs) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range evs {
		b.WriteString(fmt.Sprintf(
			"[%s] %-22s %s\n",
			ev.CreatedAt.Format("15:04:05"),
			ev.Kind,
			trimLine(string(ev.Payload), 100),
		))
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 16 {
		return v
	}
	return v[:16]
}
