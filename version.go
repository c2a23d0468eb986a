package callkit

// Version is reported to the signaling backend on connect.
const Version = "0.3.1"
