package registry

import (
	"fmt"
	"strings"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

func init() {
	register(genericFamily())
	register(orphanFamily())
	register(mitFamily())
	register(ebamFamily())
	register(trexFamily())
	register(trexPMFamily())
}

func floatCol(name string, public bool) Column {
	return Column{Name: name, Kind: query.KindFloat, Public: public}
}

func modelID(name string) Column {
	return Column{Name: name, Kind: query.KindInt, System: true}
}

var flagColumn = Column{Name: "flag", Kind: query.KindInt, Public: true}

func genericFamily() *Family {
	return &Family{Name: instruments.FamilyGeneric}
}

// orphanParameters maps instrument models to the pollutant they report.
var orphanParameters = map[string]string{
	"2BTech 202": "o3",
}

func orphanFamily() *Family {
	return &Family{
		Name:  instruments.FamilyOrphan,
		Table: "data",
		Columns: []Column{
			floatCol("value", true),
			{Name: "parameter", Kind: query.KindString, Public: true},
			{Name: "unit", Kind: query.KindString, Public: true},
			flagColumn,
			{Name: "status", Kind: query.KindString, Public: true},
			modelID("model_id"),
		},
		PublicPlot: []Series{{Label: "Value", Column: "value"}},
		Webhook: func(data string) (instruments.Record, time.Time, error) {
			tokens, ts, err := splitWebhook(data, 4)
			if err != nil {
				return nil, time.Time{}, err
			}
			rec := instruments.Record{
				"value":     SafeFloat(tokens[1], 1),
				"parameter": strings.TrimSpace(tokens[2]),
				"unit":      strings.TrimSpace(tokens[3]),
			}
			optionalFlag(tokens, 4, rec)
			return rec, ts, nil
		},
		Project: func(inst instruments.Instrument, rec instruments.Record, pollutant string) (float64, string, bool) {
			param, ok := orphanParameters[inst.Model]
			if !ok {
				param, _ = rec["parameter"].(string)
			}
			if !strings.EqualFold(param, pollutant) {
				return 0, "", false
			}
			v := rec.Float("value")
			if v == nil {
				return 0, "", false
			}
			unit, _ := rec["unit"].(string)
			return *v, unit, true
		},
	}
}

// mitBinColumns lists the OPC columns scaled by the webhook bin divisor.
var mitBinColumns = []string{
	"bin0", "bin1", "bin2", "bin3", "bin4", "bin5", "bin6", "bin7",
	"bin8", "bin9", "bin10", "bin11", "bin12", "bin13", "bin14", "bin15",
	"pm1", "pm25", "pm10",
}

const mitWebhookFields = 39

func mitFamily() *Family {
	cols := []Column{
		floatCol("co_we", false), floatCol("co_ae", false), floatCol("co", true),
		floatCol("ox_we", false), floatCol("ox_ae", false), floatCol("o3", true),
		floatCol("so2_we", false), floatCol("so2_ae", false), floatCol("so2", true),
		floatCol("nox_we", false), floatCol("nox_ae", false), floatCol("nox", true),
	}
	for _, name := range mitBinColumns {
		public := name == "pm1" || name == "pm25" || name == "pm10"
		cols = append(cols, floatCol(name, public))
	}
	cols = append(cols,
		floatCol("bin1MToF", false), floatCol("bin3MToF", false), floatCol("bin5MToF", false), floatCol("bin7MToF", false),
		floatCol("period", false), floatCol("sfr", false),
		floatCol("rh_i", true), floatCol("temp_i", true),
		floatCol("cycles", false),
		flagColumn,
		Column{Name: "last_updated", Kind: query.KindTime, Public: true, System: true},
		modelID("co_model_id"), modelID("ox_model_id"), modelID("so2_model_id"),
		modelID("nox_model_id"), modelID("pm_model_id"),
	)
	publicPlot := []Series{
		{Label: "CO", Column: "co", Unit: "ppb"},
		{Label: "O3", Column: "o3", Unit: "ppb"},
		{Label: "NOx", Column: "nox", Unit: "ppb"},
		{Label: "SO2", Column: "so2", Unit: "ppb"},
		{Label: "PM1", Column: "pm1", Unit: "ug/m3"},
		{Label: "PM25", Column: "pm25", Unit: "ug/m3"},
		{Label: "PM10", Column: "pm10", Unit: "ug/m3"},
		{Label: "RH", Column: "rh_i", Unit: "%"},
		{Label: "Temperature", Column: "temp_i", Unit: "degC"},
	}
	privatePlot := append(append([]Series{}, publicPlot...),
		Series{Label: "CO_WE", Column: "co_we", Unit: "mV"},
		Series{Label: "NOX_WE", Column: "nox_we", Unit: "mV"},
		Series{Label: "SO2_WE", Column: "so2_we", Unit: "mV"},
		Series{Label: "O3_WE", Column: "ox_we", Unit: "mV"},
	)
	return &Family{
		Name:    instruments.FamilyMIT,
		Table:   "mit_data",
		Columns: cols,
		Slots: []SlotSpec{
			{Slot: instruments.SlotCO, Features: []string{"co_we", "co_ae", "temp_i", "rh_i"}, Target: "co", ModelColumn: "co_model_id"},
			{Slot: instruments.SlotOX, Features: []string{"ox_we", "ox_ae", "temp_i", "rh_i"}, Target: "o3", ModelColumn: "ox_model_id"},
			{Slot: instruments.SlotSO2, Features: []string{"so2_we", "so2_ae", "temp_i", "rh_i"}, Target: "so2", ModelColumn: "so2_model_id"},
			{Slot: instruments.SlotNOX, Features: []string{"nox_we", "nox_ae", "temp_i", "rh_i"}, Target: "nox", ModelColumn: "nox_model_id"},
			{Slot: instruments.SlotPM, Features: []string{"pm1", "pm25", "pm10", "rh_i", "temp_i"}, Target: "pm25", ModelColumn: "pm_model_id"},
		},
		PublicPlot:  publicPlot,
		PrivatePlot: privatePlot,
		Webhook:     decodeMITWebhook,
		Project: unitProjection(map[string]projection{
			"so2":  {"so2", "ppb"},
			"co":   {"co", "ppb"},
			"nox":  {"nox", "ppb"},
			"o3":   {"o3", "ppb"},
			"pm1":  {"pm1", "ug/m3"},
			"pm25": {"pm25", "ug/m3"},
			"pm10": {"pm10", "ug/m3"},
		}),
	}
}

// decodeMITWebhook reads the 39 field MIT string. The last field divides the
// OPC bins and PM values; a zero divisor zeroes them.
func decodeMITWebhook(data string) (instruments.Record, time.Time, error) {
	tokens, ts, err := splitWebhook(data, mitWebhookFields)
	if err != nil {
		return nil, time.Time{}, err
	}
	divisor, ok := SafeInt(tokens[len(tokens)-1]).(int64)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: bin divisor is not an integer", instruments.ErrValidation)
	}
	mult := 0.0
	if divisor != 0 {
		mult = 1 / float64(divisor)
	}
	rec := instruments.Record{
		"cycles": SafeInt(tokens[1]),
		"flag":   SafeInt(tokens[2]),
		"rh_i":   SafeFloat(tokens[3], 1),
		"temp_i": SafeFloat(tokens[4], 1),
		"co_we":  SafeFloat(tokens[5], 1),
		"co_ae":  SafeFloat(tokens[6], 1),
		"nox_we": SafeFloat(tokens[7], 1),
		"nox_ae": SafeFloat(tokens[8], 1),
		"so2_we": SafeFloat(tokens[9], 1),
		"so2_ae": SafeFloat(tokens[10], 1),
		"ox_we":  SafeFloat(tokens[11], 1),
		"ox_ae":  SafeFloat(tokens[12], 1),
	}
	for i, name := range mitBinColumns {
		rec[name] = SafeFloat(tokens[13+i], mult)
	}
	rec["period"] = SafeFloat(tokens[32], 1)
	rec["bin1MToF"] = SafeFloat(tokens[33], 1)
	rec["bin3MToF"] = SafeFloat(tokens[34], 1)
	rec["bin5MToF"] = SafeFloat(tokens[35], 1)
	rec["bin7MToF"] = SafeFloat(tokens[36], 1)
	rec["sfr"] = SafeFloat(tokens[37], 1)
	if c, ok := rec["cycles"].(int64); ok {
		rec["cycles"] = float64(c)
	}
	return rec, ts, nil
}

func ebamFamily() *Family {
	return &Family{
		Name:  instruments.FamilyEBAM,
		Table: "ebam_data",
		Columns: []Column{
			floatCol("conc_rt", true), floatCol("conc_hr", true), floatCol("flowrate", true),
			floatCol("wind_speed", true), floatCol("wind_dir", true), floatCol("ambient_temp", true),
			floatCol("rh_external", true), floatCol("rh_internal", true),
			floatCol("bv_c", true), floatCol("ft_c", true),
			flagColumn,
			modelID("model_id"),
		},
		Required: []string{"conc_rt", "conc_hr"},
		Aliases: map[string]string{
			"flow":  "flowrate",
			"ws":    "wind_speed",
			"wd":    "wind_dir",
			"at":    "ambient_temp",
			"rhx":   "rh_external",
			"rhi":   "rh_internal",
			"alarm": "flag",
		},
		PublicPlot: []Series{
			{Label: "Conc. (1hr)", Column: "conc_hr", Unit: "ug/m3"},
			{Label: "Conc. (10min)", Column: "conc_rt", Unit: "ug/m3"},
			{Label: "Wind Speed", Column: "wind_speed", Unit: "km/h"},
			{Label: "Wind Dir.", Column: "wind_dir", Unit: "NE"},
			{Label: "Ambient Temp.", Column: "ambient_temp", Unit: "degC"},
		},
		Project: unitProjection(map[string]projection{
			"pm25": {"conc_hr", "ug/m3"},
		}),
	}
}

func trexFamily() *Family {
	publicPlot := []Series{
		{Label: "SO2", Column: "so2", Unit: "ppb"},
		{Label: "Temperature", Column: "temp", Unit: "degC"},
		{Label: "Relative Humidity", Column: "rh", Unit: "%"},
	}
	return &Family{
		Name:  instruments.FamilyTREX,
		Table: "trex_data",
		Columns: []Column{
			floatCol("so2", true), floatCol("so2_we", false), floatCol("so2_ae", false),
			floatCol("temp", true), floatCol("rh", true),
			flagColumn,
			modelID("model_id"),
		},
		Slots: []SlotSpec{
			{Slot: instruments.SlotSO2, Features: []string{"so2_we", "so2_ae", "temp", "rh"}, Target: "so2", ModelColumn: "model_id"},
		},
		PublicPlot: publicPlot,
		PrivatePlot: append(append([]Series{}, publicPlot...),
			Series{Label: "SO2_WE", Column: "so2_we", Unit: "mV"},
			Series{Label: "SO2_AE", Column: "so2_ae", Unit: "mV"},
		),
		Webhook: func(data string) (instruments.Record, time.Time, error) {
			tokens, ts, err := splitWebhook(data, 5)
			if err != nil {
				return nil, time.Time{}, err
			}
			rec := instruments.Record{
				"so2_we": SafeFloat(tokens[1], 1),
				"so2_ae": SafeFloat(tokens[2], 1),
				"rh":     SafeFloat(tokens[3], 1),
				"temp":   SafeFloat(tokens[4], 1),
			}
			optionalFlag(tokens, 5, rec)
			return rec, ts, nil
		},
		Project: unitProjection(map[string]projection{
			"so2": {"so2", "ppb"},
		}),
	}
}

func trexPMFamily() *Family {
	publicPlot := []Series{
		{Label: "PM2.5", Column: "pm25", Unit: "ug/m3"},
		{Label: "PM10", Column: "pm10", Unit: "ug/m3"},
		{Label: "Temperature", Column: "temp", Unit: "degC"},
		{Label: "Relative Humidity", Column: "rh", Unit: "%"},
	}
	cols := []Column{floatCol("pm1", false), floatCol("pm25", true), floatCol("pm10", true)}
	for i := 0; i <= 5; i++ {
		cols = append(cols, floatCol(fmt.Sprintf("bin%d", i), false))
	}
	cols = append(cols, floatCol("temp", true), floatCol("rh", true), flagColumn, modelID("model_id"))
	return &Family{
		Name:    instruments.FamilyTrexPM,
		Table:   "trex_pm_data",
		Columns: cols,
		Slots: []SlotSpec{
			{Slot: instruments.SlotPM, Features: []string{"pm1", "pm25", "pm10", "temp", "rh"}, Target: "pm25", ModelColumn: "model_id"},
		},
		PublicPlot: publicPlot,
		PrivatePlot: append(append([]Series{}, publicPlot...),
			Series{Label: "PM1", Column: "pm1", Unit: "ug/m3"},
		),
		Webhook: func(data string) (instruments.Record, time.Time, error) {
			tokens, ts, err := splitWebhook(data, 12)
			if err != nil {
				return nil, time.Time{}, err
			}
			rec := instruments.Record{
				"rh":   SafeFloat(tokens[1], 1),
				"temp": SafeFloat(tokens[2], 1),
				"pm1":  SafeFloat(tokens[3], 1),
				"pm25": SafeFloat(tokens[4], 1),
				"pm10": SafeFloat(tokens[5], 1),
			}
			for i := 0; i <= 5; i++ {
				rec[fmt.Sprintf("bin%d", i)] = SafeFloat(tokens[6+i], 1)
			}
			optionalFlag(tokens, 12, rec)
			return rec, ts, nil
		},
		Project: unitProjection(map[string]projection{
			"pm25": {"pm25", "ug/m3"},
			"pm10": {"pm10", "ug/m3"},
		}),
	}
}

type projection struct {
	column string
	unit   string
}

func unitProjection(table map[string]projection) func(instruments.Instrument, instruments.Record, string) (float64, string, bool) {
	return func(_ instruments.Instrument, rec instruments.Record, pollutant string) (float64, string, bool) {
		p, ok := table[strings.ToLower(pollutant)]
		if !ok {
			return 0, "", false
		}
		v := rec.Float(p.column)
		if v == nil {
			return 0, "", false
		}
		return *v, p.unit, true
	}
}
