package svcdiscovery

// ServiceData is one resolved service instance from a peer's DNS-SD
// tree, matching spec.md §4.J's per-instance SRV+TXT decode.
type ServiceData struct {
	Type       string
	Name       string
	Priority   uint16
	Weight     uint16
	Port       uint16
	Target     string
	Properties map[string]string
}

// key uniquely identifies a service instance within one peer's
// discovery set.
func (s ServiceData) key() string { return s.Type + "|" + s.Name }

// diffServices compares a peer's previously known instance names against
// a freshly crawled set and returns exactly the services that are new,
// generalizing the teacher's CalculateDiff (pkg/routes.CalculateDiff) from
// route sets to service-instance sets: known membership is the only state
// carried across iterations, so there is nothing analogous to a
// gateway-changed update here, only additions.
func diffServices(known map[string]bool, found []ServiceData) (fresh []ServiceData) {
	for _, svc := range found {
		if !known[svc.key()] {
			fresh = append(fresh, svc)
		}
	}
	return fresh
}
