package models

// Instrument is a tradable security tracked by the dashboard.
type Instrument struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
}

const (
	CategoryState   = "官股"
	CategoryPrivate = "民營"
)

// DefaultInstruments is the Taiwan financial holding company universe.
var DefaultInstruments = []Instrument{
	{ID: "2880", Name: "華南金", Category: CategoryState},
	{ID: "2881", Name: "富邦金", Category: CategoryPrivate},
	{ID: "2882", Name: "國泰金", Category: CategoryPrivate},
	{ID: "2883", Name: "凱基金", Category: CategoryPrivate},
	{ID: "2884", Name: "玉山金", Category: CategoryPrivate},
	{ID: "2885", Name: "元大金", Category: CategoryPrivate},
	{ID: "2886", Name: "兆豐金", Category: CategoryState},
	{ID: "2887", Name: "台新金", Category: CategoryPrivate},
	{ID: "2889", Name: "國票金", Category: CategoryPrivate},
	{ID: "2890", Name: "永豐金", Category: CategoryPrivate},
	{ID: "2891", Name: "中信金", Category: CategoryPrivate},
	{ID: "2892", Name: "第一金", Category: CategoryState},
	{ID: "5880", Name: "合庫金", Category: CategoryState},
}

// InstrumentIDs returns the ids of instruments in order.
func InstrumentIDs(list []Instrument) []string {
	ids := make([]string, 0, len(list))
	for _, in := range list {
		ids = append(ids, in.ID)
	}
	return ids
}

// LookupInstrument finds id in list. Unknown ids get a generic entry.
func LookupInstrument(list []Instrument, id string) (Instrument, bool) {
	for _, in := range list {
		if in.ID == id {
			return in, true
		}
	}
	return Instrument{ID: id, Name: id}, false
}

// DefaultIndices are the market-index tiles shown above the board.
var DefaultIndices = []Instrument{
	{ID: "IX0001", Name: "加權指數"},
	{ID: "IX0043", Name: "櫃買指數"},
	{ID: "IX0010", Name: "金融類股"},
	{ID: "IX0028", Name: "電子類股"},
}
