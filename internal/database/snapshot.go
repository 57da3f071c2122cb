package database

import (
	"time"
)

// RankPlacement is where one node rank was running when the snapshot was taken.
// Socket and Core are logical indexes of the object enclosing the rank's
// affinity, or -1 when it spans more than one.
type RankPlacement struct {
	NodeRank int  `json:"node_rank"`
	PID      int  `json:"pid"`
	Socket   int  `json:"socket"`
	Core     int  `json:"core"`
	Self     bool `json:"self,omitempty"`
}

// ContainerPlacement is the same for the init process of a running container.
type ContainerPlacement struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Image  string `json:"image"`
	PID    int    `json:"pid"`
	Socket int    `json:"socket"`
	Core   int    `json:"core"`
}

// Snapshot is a point-in-time view of rank placement on one node.
type Snapshot struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	NodeToken     string `json:"node_token"`
	Hostname      string `json:"hostname"`
	KernelVersion string `json:"kernel_version"`
	CPUModel      string `json:"cpu_model"`
	JobChecksum   string `json:"job_checksum"`

	NNodes     int    `json:"nnodes"`
	NNodeRanks int    `json:"nnoderanks"`
	NodeRank   int    `json:"node_rank"`
	Sockets    int    `json:"sockets"`
	Cores      int    `json:"cores"`
	PUs        int    `json:"pus"`
	NUMANodes  int    `json:"numa_nodes"`
	CBind      string `json:"cbind"`
	Bound      bool   `json:"bound"`

	Ranks      []RankPlacement      `json:"ranks"`
	Containers []ContainerPlacement `json:"containers,omitempty"`
}
