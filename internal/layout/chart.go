package layout

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/httputil"
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// BatchChart renders one batch as an HTML page: the visited (ti, temperature)
// points coloured by intensity, and intensity against acquisition order.
func BatchChart(w io.Writer, title string, ms []db.Measurement) error {
	points := make([]opts.ScatterData, 0, len(ms))
	order := make([]int, 0, len(ms))
	intensity := make([]opts.LineData, 0, len(ms))
	maxI := 0.0
	for _, m := range ms {
		points = append(points, opts.ScatterData{
			Name:  m.RunID,
			Value: []any{m.Point.Ti, m.Point.Temperature, m.Intensity},
		})
		order = append(order, m.BatchCount)
		intensity = append(intensity, opts.LineData{Value: m.Intensity})
		maxI = max(maxI, m.Intensity)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("points=%d", len(ms))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Ti (%)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Temperature (°C)", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxI),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("measurements", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Intensity by acquisition"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "batch count", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(order).AddSeries("intensity", intensity)

	page := components.NewPage()
	page.SetPageTitle(title)
	page.AddCharts(scatter, line)
	return page.Render(w)
}

// BatchSource is the read side of the measurement store.
type BatchSource interface {
	Batches() ([]db.Batch, error)
	Measurements(batchID uuid.UUID) ([]db.Measurement, error)
}

// AttachAdminRoutes serves /debug/scan-chart and /debug/scan-batches.
// Without a batch query parameter the chart shows the most recent batch.
func AttachAdminRoutes(mux *http.ServeMux, src BatchSource) {
	debug := tsweb.Debugger(mux)
	debug.Handle("scan-batches", "Recorded scan batches as JSON", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches, err := src.Batches()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, batches)
	}))
	debug.Handle("scan-chart", "Chart of a scan batch (?batch=<id>, default latest)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id uuid.UUID
		if s := r.URL.Query().Get("batch"); s != "" {
			var err error
			if id, err = uuid.Parse(s); err != nil {
				httputil.BadRequest(w, "invalid batch id")
				return
			}
		} else {
			batches, err := src.Batches()
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			if len(batches) == 0 {
				httputil.NotFound(w, "no batches recorded")
				return
			}
			id = batches[0].ID
		}

		ms, err := src.Measurements(id)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		var buf bytes.Buffer
		if err := BatchChart(&buf, "Batch "+id.String(), ms); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}))
}
