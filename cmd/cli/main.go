// Command cli is an interactive terminal front end for a PCM session: pick
// a variant, connect a transport, read properties, unlock security access,
// and pull a full flash image with a live progress display.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/rs/xid"
	"golang.org/x/term"

	"github.com/patrickmcquay/PcmHacks/internal/config"
	"github.com/patrickmcquay/PcmHacks/internal/keyalgo"
	"github.com/patrickmcquay/PcmHacks/internal/pcminfo"
	"github.com/patrickmcquay/PcmHacks/pkg/obd"
	"github.com/patrickmcquay/PcmHacks/pkg/obd/status"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFA500")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA"))
	noticeStyle   = lipgloss.NewStyle().Background(lipgloss.Color("#10B981")).Foreground(lipgloss.Color("#FFFFFF")).Padding(0, 2).Bold(true)
	listBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#9CA3AF"))
)

// view states
const (
	menuView = iota
	progressView
	resultView
)

type menuItem struct {
	title, description string
	action              string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.description }
func (i menuItem) FilterValue() string { return i.title }

var menuItems = []list.Item{
	menuItem{"1. Read VIN", "Query the vehicle identification number", "vin"},
	menuItem{"2. Read Serial", "Query the PCM serial number", "serial"},
	menuItem{"3. Read BCC", "Query the broadcast code", "bcc"},
	menuItem{"4. Read MEC", "Query the manufacturer enable counter", "mec"},
	menuItem{"5. Read Hardware ID", "Query the hardware identifier", "hwid"},
	menuItem{"6. Read OS ID", "Query the operating system identifier", "osid"},
	menuItem{"7. Read Calibration ID", "Query the calibration identifier", "calid"},
	menuItem{"8. Unlock ECU", "Run the seed/key security access handshake", "unlock"},
	menuItem{"9. Set 4x Speed", "Negotiate the bus up to 4x VPW signaling", "4x"},
	menuItem{"10. Read Full Image", "Upload the kernel and read back the whole flash image", "read"},
	menuItem{"0. Quit", "Exit the application", "quit"},
}

// defaultKeyAlgorithm is a placeholder seed/key function registered under
// id 1 so "Unlock ECU" has something to exercise out of the box. A real
// deployment registers the vendor-specific algorithm for its PCMs instead.
func defaultKeyAlgorithm(seed uint16) (uint16, error) {
	return seed ^ 0x1234, nil
}

type model struct {
	list   list.Model
	view   int
	width  int
	height int

	vehicle   *obd.Vehicle
	sessionID string

	progressText string
	progressBar  float64
	kbps         string
	eta          string
	retries      string
	logLines     []string

	resultText  string
	resultErr   bool
	copyNotice  bool

	ops chan tea.Msg
}

type progressMsg struct {
	activity, percent, kbps, eta, retries string
	bar                                   float64
	indeterminate                         bool
}

type logMsg string

type resultMsg struct {
	text string
	err  bool
}

func newModel(v *obd.Vehicle, sessionID string) model {
	l := list.New(menuItems, list.NewDefaultDelegate(), 70, 16)
	l.Title = "PCM Session"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	return model{
		list:      l,
		view:      menuView,
		width:     80,
		height:    24,
		vehicle:   v,
		sessionID: sessionID,
		ops:       make(chan tea.Msg, 64),
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) waitForOp() tea.Cmd {
	return func() tea.Msg { return <-m.ops }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.view != menuView {
				m.view = menuView
				return m, nil
			}
		case "enter":
			if m.view == menuView {
				if i, ok := m.list.SelectedItem().(menuItem); ok {
					if i.action == "quit" {
						return m, tea.Quit
					}
					m.view = progressView
					m.progressText = "starting " + i.action
					m.logLines = nil
					return m, tea.Batch(m.runAction(i.action), m.waitForOp())
				}
			}
		case "c":
			if m.view == resultView && m.resultText != "" {
				if err := clipboard.WriteAll(m.resultText); err == nil {
					m.copyNotice = true
				}
			}
		}

	case progressMsg:
		m.progressText = msg.activity
		m.progressBar = msg.bar
		m.kbps = msg.kbps
		m.eta = msg.eta
		m.retries = msg.retries
		return m, m.waitForOp()

	case logMsg:
		m.logLines = append(m.logLines, string(msg))
		if len(m.logLines) > 8 {
			m.logLines = m.logLines[len(m.logLines)-8:]
		}
		return m, m.waitForOp()

	case resultMsg:
		m.view = resultView
		m.resultText = msg.text
		m.resultErr = msg.err
		m.copyNotice = false
		return m, nil
	}

	var cmd tea.Cmd
	if m.view == menuView {
		m.list, cmd = m.list.Update(msg)
	}
	return m, cmd
}

// teaObserver bridges status.Observer callbacks onto the bubbletea event
// loop via a buffered channel, since Observer methods run on the
// operation's goroutine, not the UI goroutine.
type teaObserver struct {
	ops      chan tea.Msg
	activity string
	percent  string
	kbps     string
	eta      string
	retries  string
}

func (o *teaObserver) send() {
	select {
	case o.ops <- progressMsg{activity: o.activity, percent: o.percent, kbps: o.kbps, eta: o.eta, retries: o.retries, bar: barFraction(o.percent)}:
	default:
	}
}

func barFraction(percent string) float64 {
	var f float64
	fmt.Sscanf(strings.TrimSuffix(percent, "%"), "%f", &f)
	return f / 100
}

func (o *teaObserver) UpdateActivity(a string)      { o.activity = a; o.send() }
func (o *teaObserver) UpdatePercentDone(p string)    { o.percent = p; o.send() }
func (o *teaObserver) UpdateTimeRemaining(e string)  { o.eta = e; o.send() }
func (o *teaObserver) UpdateKbps(k string)           { o.kbps = k; o.send() }
func (o *teaObserver) UpdateRetryCount(r string)     { o.retries = r; o.send() }
func (o *teaObserver) UpdateProgressBar(f float64, indeterminate bool) {
	select {
	case o.ops <- progressMsg{activity: o.activity, bar: f, indeterminate: indeterminate, kbps: o.kbps, eta: o.eta, retries: o.retries}:
	default:
	}
}
func (o *teaObserver) Reset() {}
func (o *teaObserver) AddUserMessage(msg string) {
	select {
	case o.ops <- logMsg(msg):
	default:
	}
}
func (o *teaObserver) AddDebugMessage(msg string) {
	select {
	case o.ops <- logMsg("debug: " + msg):
	default:
	}
}

var _ status.Observer = (*teaObserver)(nil)

func (m model) runAction(action string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		switch action {
		case "vin":
			vin, err := m.vehicle.QueryVin(ctx)
			return toResult(vin, err)
		case "serial":
			serial, err := m.vehicle.QuerySerial(ctx)
			return toResult(serial, err)
		case "bcc":
			bcc, err := m.vehicle.QueryBCC(ctx)
			return toResult(fmt.Sprintf("% X", bcc), err)
		case "mec":
			mec, err := m.vehicle.QueryMEC(ctx)
			return toResult(fmt.Sprintf("0x%02X", mec), err)
		case "hwid":
			id, err := m.vehicle.QueryHardwareID(ctx)
			return toResult(fmt.Sprintf("0x%08X", id), err)
		case "osid":
			id, err := m.vehicle.QueryOsID(ctx)
			return toResult(fmt.Sprintf("0x%08X", id), err)
		case "calid":
			id, err := m.vehicle.QueryCalibrationID(ctx)
			return toResult(fmt.Sprintf("0x%08X", id), err)
		case "unlock":
			ok, err := m.vehicle.UnlockEcu(ctx, 1)
			if err != nil {
				return toResult("", err)
			}
			if ok {
				return resultMsg{text: "unlock granted"}
			}
			return resultMsg{text: "unlock denied", err: true}
		case "4x":
			err := m.vehicle.SetVpw4x(ctx)
			if err != nil {
				return toResult("", err)
			}
			return resultMsg{text: "now running at 4x VPW"}
		case "read":
			if !confirmDestructive("read the full flash image") {
				return resultMsg{text: "read cancelled by operator"}
			}
			info, loader, kernel, err := loadKernelFiles()
			if err != nil {
				return toResult("", err)
			}
			image, err := m.vehicle.ReadImage(ctx, info, loader, kernel, *flag4x)
			if err != nil {
				return toResult("", err)
			}
			out := *flagOutFile
			if werr := os.WriteFile(out, image, 0644); werr != nil {
				return toResult("", werr)
			}
			return resultMsg{text: fmt.Sprintf("wrote %d bytes to %s", len(image), out)}
		default:
			return resultMsg{text: "unknown action", err: true}
		}
	}
}

func toResult(text string, err error) tea.Msg {
	if err != nil {
		return resultMsg{text: err.Error(), err: true}
	}
	return resultMsg{text: text}
}

// confirmDestructive puts the terminal in raw mode to read a single y/n
// keypress without requiring Enter. It is called from the runAction
// command before ReadImage, while the bubbletea program is running.
func confirmDestructive(what string) bool {
	fmt.Printf("\nAbout to %s. Continue? [y/N] ", what)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		fmt.Println()
		return false
	}
	fmt.Println()
	return buf[0] == 'y' || buf[0] == 'Y'
}

func (m model) View() string {
	switch m.view {
	case progressView:
		return m.renderProgress()
	case resultView:
		return m.renderResult()
	default:
		return m.renderMenu()
	}
}

func (m model) renderMenu() string {
	header := headerStyle.Width(m.width).Render(fmt.Sprintf(" PCM Session %s", m.sessionID))
	footer := footerStyle.Width(m.width).Render("enter: run   esc: back   ctrl+c: quit")
	body := listBoxStyle.Width(m.width - 2).Render(m.list.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m model) renderProgress() string {
	header := headerStyle.Width(m.width).Render(" PCM Session — working")
	width := 40
	filled := int(m.progressBar * float64(width))
	if filled > width {
		filled = width
	}
	bar := progressStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled)

	lines := []string{
		infoStyle.Render(m.progressText),
		fmt.Sprintf("[%s] %.0f%%  %s kbps  eta %s  retries %s", bar, m.progressBar*100, m.kbps, m.eta, m.retries),
		"",
	}
	for _, log := range m.logLines {
		lines = append(lines, ansi.Wordwrap(log, m.width, " \t"))
	}
	footer := footerStyle.Width(m.width).Render("esc: back   ctrl+c: quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, strings.Join(lines, "\n"), footer)
}

func (m model) renderResult() string {
	header := headerStyle.Width(m.width).Render(" PCM Session — result")
	text := m.resultText
	if m.resultErr {
		text = errorStyle.Render(text)
	} else {
		text = progressStyle.Render(text)
	}
	if m.copyNotice {
		text += "\n" + noticeStyle.Render("✓ copied to clipboard")
	}
	footer := footerStyle.Width(m.width).Render("c: copy to clipboard   esc: back   ctrl+c: quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, text, footer)
}

var (
	flagVariant = flag.String("variant", "P01_P59", "PCM variant: P01_P59, P10, or P12")
	flagLoader  = flag.String("loader", "", "path to loader binary (required for P10/P12)")
	flagKernel  = flag.String("kernel", "", "path to kernel binary")
	flag4x      = flag.Bool("4x", false, "attempt 4x VPW speed before reading")
	flagOutFile = flag.String("out", "image.bin", "output path for the full flash image")
)

func loadKernelFiles() (pcminfo.Info, []byte, []byte, error) {
	var info pcminfo.Info
	switch *flagVariant {
	case "P01_P59":
		info = pcminfo.P01P59
	case "P10":
		info = pcminfo.P10
	case "P12":
		info = pcminfo.P12
	default:
		return info, nil, nil, fmt.Errorf("unknown variant %q", *flagVariant)
	}

	var loader []byte
	if info.LoaderRequired {
		if *flagLoader == "" {
			return info, nil, nil, fmt.Errorf("variant %s requires -loader", *flagVariant)
		}
		data, err := os.ReadFile(*flagLoader)
		if err != nil {
			return info, nil, nil, fmt.Errorf("reading loader: %w", err)
		}
		loader = data
	}

	if *flagKernel == "" {
		return info, nil, nil, fmt.Errorf("-kernel is required")
	}
	kernel, err := os.ReadFile(*flagKernel)
	if err != nil {
		return info, nil, nil, fmt.Errorf("reading kernel: %w", err)
	}

	return info, loader, kernel, nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	port, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting: %v\n", err)
		os.Exit(1)
	}
	if err := port.Initialize(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "initializing transport: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	sessionID := xid.New().String()

	keys := keyalgo.NewRegistry()
	keys.Register(1, defaultKeyAlgorithm)

	m := newModel(nil, sessionID)
	observer := &teaObserver{ops: m.ops}
	m.vehicle = obd.NewVehicle(port, keys, observer, nil, sessionID)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
		os.Exit(1)
	}
}

func connect(cfg *config.Config) (obd.Port, error) {
	if cfg.USBVendorID != 0 {
		return obd.NewUSBDevice(cfg.USBVendorID, cfg.USBProductID)
	}
	if cfg.SerialPort == "" {
		return nil, fmt.Errorf("no transport configured: set PCM_SERIAL_PORT or PCM_USB_VENDOR_ID")
	}
	return obd.NewSerialDevice(cfg.SerialPort, cfg.SerialBaud)
}
