package email

const confirmationEmailSubject = "Confirm your newsletter subscription"
const confirmationEmailTemplate = `
Hey there!

It looks like you asked us to subscribe *%[1]s* to our newsletter. If this
was you, visit

 %[2]s

to confirm! If this wasn't you, you can safely ignore this message and no
subscription will be created.

The link is valid for 72 hours. If it expires, just submit your address
again at %[3]s and we'll send you a fresh one.

Thanks for reading :)
`
