package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"

	"spikenet/internal/model"
)

var ErrUnknownNode = errors.New("node not in roster")

// Roster is the read side of the fleet manager: node addresses and counts,
// keyed by the manager-assigned NodeID.
type Roster struct {
	mu     sync.RWMutex
	nodes  map[model.NodeID]model.TargetNode
	byAddr map[string]model.NodeID
	byIP   map[string][]model.NodeID
}

func NewRoster() *Roster {
	return &Roster{
		nodes:  make(map[model.NodeID]model.TargetNode),
		byAddr: make(map[string]model.NodeID),
		byIP:   make(map[string][]model.NodeID),
	}
}

func (r *Roster) Add(node model.TargetNode) error {
	if node.NeuronCount <= 0 {
		return fmt.Errorf("%s: neuron count must be > 0", node.ID)
	}
	host, port, err := net.SplitHostPort(node.Address)
	if err != nil {
		return fmt.Errorf("%s: address %q: %w", node.ID, node.Address, err)
	}
	key := canonicalAddr(host, port)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[node.ID]; exists {
		return fmt.Errorf("%s already registered", node.ID)
	}
	if other, exists := r.byAddr[key]; exists {
		return fmt.Errorf("%s: address %s already used by %s", node.ID, node.Address, other)
	}
	r.nodes[node.ID] = node
	r.byAddr[key] = node.ID
	ip := canonicalHost(host)
	r.byIP[ip] = append(r.byIP[ip], node.ID)
	return nil
}

// Remove drops a node after a node-loss notification.
func (r *Roster) Remove(id model.NodeID) (model.TargetNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return model.TargetNode{}, fmt.Errorf("%s: %w", id, ErrUnknownNode)
	}
	delete(r.nodes, id)
	host, port, _ := net.SplitHostPort(node.Address)
	delete(r.byAddr, canonicalAddr(host, port))
	ip := canonicalHost(host)
	ids := r.byIP[ip][:0]
	for _, other := range r.byIP[ip] {
		if other != id {
			ids = append(ids, other)
		}
	}
	if len(ids) == 0 {
		delete(r.byIP, ip)
	} else {
		r.byIP[ip] = ids
	}
	return node, nil
}

func (r *Roster) Node(id model.NodeID) (model.TargetNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

func (r *Roster) Nodes() []model.TargetNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TargetNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve matches a datagram source first by exact ip:port and then by IP
// alone when exactly one node lives on that IP.
func (r *Roster) Resolve(addr *net.UDPAddr) (model.NodeID, bool) {
	if addr == nil {
		return 0, false
	}
	ip := addr.IP.String()
	if v4 := addr.IP.To4(); v4 != nil {
		ip = v4.String()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byAddr[ip+"|"+fmt.Sprint(addr.Port)]; ok {
		return id, true
	}
	if ids := r.byIP[ip]; len(ids) == 1 {
		return ids[0], true
	}
	return 0, false
}

func canonicalHost(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

func canonicalAddr(host, port string) string {
	return canonicalHost(host) + "|" + port
}

type rosterFile struct {
	Nodes []model.TargetNode `json:"nodes"`
}

// LoadRoster reads a JSON snapshot exported by the fleet manager:
// {"nodes":[{"id":1,"address":"10.0.0.5:4194","neurons":8,"synapses":1024}]}.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file rosterFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode roster %s: %w", path, err)
	}
	roster := NewRoster()
	for _, node := range file.Nodes {
		if err := roster.Add(node); err != nil {
			return nil, err
		}
	}
	return roster, nil
}
