package session

import "github.com/joshp123/melsync/internal/melcloud"

// Flatten walks every building of the listing tree (structure devices, then
// areas, then floors and their areas) and keeps the first occurrence of each
// DeviceID. Devices shared into several places of the tree therefore appear
// once, with the attributes of the first place they were found.
func Flatten(entries []melcloud.ListingEntry) []melcloud.DeviceConf {
	var all []melcloud.DeviceConf
	for _, entry := range entries {
		structure := entry.Structure
		all = append(all, structure.Devices...)
		for _, area := range structure.Areas {
			all = append(all, area.Devices...)
		}
		for _, floor := range structure.Floors {
			all = append(all, floor.Devices...)
			for _, area := range floor.Areas {
				all = append(all, area.Devices...)
			}
		}
	}

	seen := make(map[int]struct{}, len(all))
	devices := make([]melcloud.DeviceConf, 0, len(all))
	for _, conf := range all {
		if _, ok := seen[conf.DeviceID]; ok {
			continue
		}
		seen[conf.DeviceID] = struct{}{}
		devices = append(devices, conf)
	}
	return devices
}
