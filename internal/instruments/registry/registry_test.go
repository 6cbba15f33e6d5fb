package registry

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mitWebhook(divisor string) string {
	tokens := []string{"2017-06-01T12:00:00Z", "3", "0", "45.5", "30.1",
		"250.1", "240.2", "210.3", "205.4", "300.5", "280.6", "190.7", "185.8"}
	for i := 0; i < 19; i++ {
		tokens = append(tokens, "100")
	}
	tokens = append(tokens, "1.5", "11", "12", "13", "14", "4.2", divisor)
	return strings.Join(tokens, ",")
}

func TestPublicColumnsAreSubsetOfPrivate(t *testing.T) {
	for _, fam := range All() {
		public := fam.PublicColumns()
		private := fam.PrivateColumns()
		for name := range public {
			_, ok := private[name]
			assert.Truef(t, ok, "%s: public column %s missing from private set", fam.Name, name)
		}
		for _, col := range fam.Columns {
			if strings.HasSuffix(col.Name, "_we") || strings.HasSuffix(col.Name, "_ae") || strings.HasSuffix(col.Name, "model_id") {
				_, leaked := public[col.Name]
				assert.Falsef(t, leaked, "%s: %s must not be public", fam.Name, col.Name)
				_, kept := private[col.Name]
				assert.Truef(t, kept, "%s: %s must be private", fam.Name, col.Name)
			}
		}
	}
}

func TestMITWebhookScalesBins(t *testing.T) {
	fam := MustLookup(instruments.FamilyMIT)
	ts, rec, err := fam.DecodeWebhook(mitWebhook("4"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2017, 6, 1, 12, 0, 0, 0, time.UTC), ts)
	assert.Equal(t, 25.0, rec["pm25"])
	assert.Equal(t, 25.0, rec["bin0"])
	assert.Equal(t, 250.1, rec["co_we"])
	assert.Equal(t, 4.2, rec["sfr"])
	assert.Equal(t, int64(0), rec["flag"])

	_, _, err = fam.DecodeWebhook("2017-06-01T12:00:00Z,1,2")
	assert.True(t, errors.Is(err, instruments.ErrValidation))
}

func TestMITWithoutModelPassesThrough(t *testing.T) {
	fam := MustLookup(instruments.FamilyMIT)
	_, rec, err := fam.DecodeWebhook(mitWebhook("1"))
	require.NoError(t, err)

	out, err := fam.Evaluate(rec, nil)
	require.NoError(t, err)
	assert.Equal(t, rec, out)
	assert.Nil(t, out["co"])
	assert.Nil(t, out["co_model_id"])
}

type linearStub struct{ weight float64 }

func (s linearStub) Predict(features []float64) (float64, error) {
	return features[0] * s.weight, nil
}

type failingStub struct{}

func (failingStub) Predict([]float64) (float64, error) {
	return 0, fmt.Errorf("bad artifact")
}

func TestEvaluateStampsModelAndReportsFailures(t *testing.T) {
	fam := MustLookup(instruments.FamilyMIT)
	_, rec, err := fam.DecodeWebhook(mitWebhook("1"))
	require.NoError(t, err)

	out, err := fam.Evaluate(rec, map[instruments.Slot]AssignedModel{
		instruments.SlotCO:  {ID: 11, Predictor: linearStub{weight: 2}},
		instruments.SlotSO2: {ID: 12, Predictor: failingStub{}},
		instruments.SlotNOX: {ID: 13},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPredictor))
	assert.Equal(t, 500.2, out["co"])
	assert.Equal(t, int64(11), out["co_model_id"])
	assert.Nil(t, out["so2_model_id"])
	assert.Nil(t, out["nox_model_id"])
	assert.Nil(t, rec["co"], "input record must not be mutated")
}

func TestEBAMAliasesAndRequiredFields(t *testing.T) {
	fam := MustLookup(instruments.FamilyEBAM)
	sn, ts, rec, err := fam.DecodeJSON(map[string]any{
		"instr_sn":  "EBAM1",
		"timestamp": "2017-01-01 10:00:00",
		"conc_rt":   12.0,
		"conc_hr":   "9.5",
		"ws":        "not-a-number",
		"alarm":     1.0,
		"model_id":  4.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "EBAM1", sn)
	assert.Equal(t, 2017, ts.Year())
	assert.Equal(t, 9.5, rec["conc_hr"])
	assert.Nil(t, rec["wind_speed"])
	assert.Equal(t, int64(1), rec["flag"])
	_, present := rec["model_id"]
	assert.False(t, present)

	_, _, _, err = fam.DecodeJSON(map[string]any{"instr_sn": "EBAM1", "timestamp": "2017-01-01", "conc_rt": 1.0})
	assert.True(t, errors.Is(err, instruments.ErrValidation))
}

func TestGenericRejectsIngestion(t *testing.T) {
	fam := MustLookup(instruments.FamilyGeneric)
	assert.False(t, fam.HasTable())
	_, _, _, err := fam.DecodeJSON(map[string]any{"instr_sn": "X", "timestamp": "2017-01-01"})
	assert.True(t, errors.Is(err, instruments.ErrValidation))
}

func TestTrexWebhookOptionalFlag(t *testing.T) {
	fam := MustLookup(instruments.FamilyTREX)
	_, rec, err := fam.DecodeWebhook("2018-02-02T00:00:00Z,1.1,2.2,50,21")
	require.NoError(t, err)
	_, hasFlag := rec["flag"]
	assert.False(t, hasFlag)
	assert.Equal(t, 21.0, rec["temp"])

	_, rec, err = fam.DecodeWebhook("2018-02-02T00:00:00Z,1.1,bad,50,21,1")
	require.NoError(t, err)
	assert.Nil(t, rec["so2_ae"])
	assert.Equal(t, int64(1), rec["flag"])
}

func TestMapProjection(t *testing.T) {
	rec := instruments.Record{"conc_hr": 14.0, "value": 31.0, "parameter": "so2", "unit": "ppb"}
	v, unit, ok := MustLookup(instruments.FamilyEBAM).Project(instruments.Instrument{}, rec, "pm25")
	require.True(t, ok)
	assert.Equal(t, 14.0, v)
	assert.Equal(t, "ug/m3", unit)

	_, _, ok = MustLookup(instruments.FamilyEBAM).Project(instruments.Instrument{}, rec, "so2")
	assert.False(t, ok)

	orphan := MustLookup(instruments.FamilyOrphan)
	_, _, ok = orphan.Project(instruments.Instrument{Model: "2BTech 202"}, rec, "so2")
	assert.False(t, ok)
	v, unit, ok = orphan.Project(instruments.Instrument{}, rec, "so2")
	require.True(t, ok)
	assert.Equal(t, 31.0, v)
	assert.Equal(t, "ppb", unit)
}

func TestSerializeIncludesLinks(t *testing.T) {
	fam := MustLookup(instruments.FamilyTREX)
	obs := instruments.Observation{ID: 5, SN: "T1", Timestamp: time.Date(2018, 1, 1, 6, 0, 0, 0, time.UTC), Values: instruments.Record{"so2": 1.5}}
	out := fam.Serialize(obs, instruments.Instrument{SN: "T1", Timezone: "Asia/Kolkata"}, "http://api")
	assert.Equal(t, "http://api/device/T1/data/5", out["url"])
	assert.Equal(t, "http://api/device/T1", out["instrument"])
	assert.Equal(t, "2018-01-01T11:30:00+05:30", out["timestamp_local"])
	assert.Nil(t, out["so2_we"])
}

func TestSafeCasts(t *testing.T) {
	assert.Nil(t, SafeFloat("NaN", 1))
	assert.Nil(t, SafeFloat("x", 1))
	assert.Equal(t, 0.5, SafeFloat("1", 0.5))
	assert.Nil(t, SafeInt("1.5"))
	assert.Equal(t, int64(3), SafeInt(3.0))
}
