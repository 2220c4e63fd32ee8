package packets

// Pingreq, Pingresp, and Disconnect carry no variable header or payload.

type Pingreq struct{}
type Pingresp struct{}
type Disconnect struct{}

func (*Pingreq) Type() PacketType    { return PINGREQ }
func (*Pingresp) Type() PacketType   { return PINGRESP }
func (*Disconnect) Type() PacketType { return DISCONNECT }
