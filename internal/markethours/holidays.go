package markethours

import (
	"strconv"
	"time"
)

// holidays lists NSE trading holidays by year as "MM-DD". Entries marked
// tentative in the exchange circular are included; an unknown year has no
// holidays and every weekday trades.
var holidays = map[int][]string{
	2026: {
		"01-26", // Republic Day
		"02-17", // Mahashivratri
		"03-14", // Holi
		"03-31", // Id-ul-Fitr
		"04-02", // Ram Navami
		"04-06", // Mahavir Jayanti
		"04-10", // Good Friday
		"04-14", // Ambedkar Jayanti
		"05-01", // Maharashtra Day
		"06-07", // Bakrid
		"07-06", // Muharram
		"08-15", // Independence Day
		"08-16", // Janmashtami
		"09-05", // Milad-un-Nabi
		"10-02", // Gandhi Jayanti
		"10-20", // Dussehra
		"10-21",
		"11-05", // Diwali
		"11-06",
		"11-07",
		"11-19", // Guru Nanak Jayanti
		"12-25", // Christmas
	},
}

var holidaySet = func() map[string]struct{} {
	set := make(map[string]struct{})
	for year, days := range holidays {
		for _, md := range days {
			set[strconv.Itoa(year)+"-"+md] = struct{}{}
		}
	}
	return set
}()

// IsHoliday reports whether the IST calendar date of t is an exchange holiday.
func IsHoliday(t time.Time) bool {
	_, ok := holidaySet[t.In(IST).Format("2006-01-02")]
	return ok
}
