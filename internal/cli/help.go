package cli

import "strings"

// Help is split by theme so each reply fits in one mesh packet.
var helpTopics = []struct {
	prefix string
	title  string
	items  []string
}{
	{"help device cmds", "Commands: ", []string{"reboot", "clock", "clock sync", "start ota", "erase"}},
	{"help device keys", "Keys (for get /set): ", []string{"name", "lat", "lon", "role"}},
	{"help radio cmds", "Help for radio is in 3 sections: radio_cmds, radio_keys_standard, radio_keys_advanced.", []string{"tempradio"}},
	{"help radio std keys", "Keys (for get /set): ", []string{"radio", "tx", "freq"}},
	{"help radio adv keys", "Keys (for get /set): ", []string{"af", "int.thresh", "agc.reset.interval", "rxdelay", "txdelay", "direct.txdelay"}},
	{"help mesh cmds", "Commands: ", []string{"advert"}},
	{"help mesh keys", "Keys (for get /set): ", []string{"multi.acks", "flood.advert.interval", "advert.interval", "repeat", "allow.read.only", "flood.max"}},
	{"help auth cmds", "Commands: ", []string{"password"}},
	{"help auth keys", "Keys (for get /set): ", []string{"guest.password", "public.key"}},
	{"help debug", "Commands: ", []string{"clear stats", "ver", "log start", "log stop", "log erase", "log", "neighbors"}},
}

const helpOverview = "help <theme> [cmds|keys].\n Theme can be: device, radio, mesh, auth, debug\n"

func help(command string) string {
	for _, t := range helpTopics {
		if strings.HasPrefix(command, t.prefix) {
			var b strings.Builder
			b.WriteString(t.title)
			for _, it := range t.items {
				b.WriteString(it)
				b.WriteByte('\n')
			}
			return b.String()
		}
	}
	return helpOverview
}
